package subprocess

import (
	"fmt"
	"maps"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
)

const (
	// WorkerIDEnv carries the 1-indexed worker slot to the child.
	WorkerIDEnv = "PROCWORKER_WORKER_ID"

	// ForceColorEnv asks the child to emit coloured output.
	ForceColorEnv = "FORCE_COLOR"
)

var debugArgPattern = regexp.MustCompile(`^--(debug|inspect)`)

// EnvironmentConfig holds the inputs of BuildEnvironment.
type EnvironmentConfig struct {
	// WorkerID is the 0-indexed worker slot.
	WorkerID int

	// Env provides additional environment variables.
	Env map[string]string

	// ForceColor sets FORCE_COLOR=1 in the child.
	ForceColor bool
}

// BuildEnvironment constructs the environment for a child process.
func BuildEnvironment(cfg *EnvironmentConfig) []string {
	// Start with current environment
	env := os.Environ()

	// Add or override with user-provided environment variables
	for _, key := range slices.Sorted(maps.Keys(cfg.Env)) {
		env = append(env, fmt.Sprintf("%s=%s", key, cfg.Env[key]))
	}

	if cfg.ForceColor {
		env = append(env, ForceColorEnv+"=1")
	}

	env = append(env, WorkerIDEnv+"="+strconv.Itoa(cfg.WorkerID+1))

	return env
}

// StdoutSupportsColor reports whether the parent's stdout is a colour
// capable terminal. NO_COLOR disables colour regardless.
func StdoutSupportsColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}

	fd := os.Stdout.Fd()

	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// StripDebugArgs removes debugger flags (--inspect*, --debug*) so a child
// does not try to bind the parent's debugger port.
func StripDebugArgs(args []string) []string {
	out := make([]string, 0, len(args))

	for _, arg := range args {
		if debugArgPattern.MatchString(arg) {
			continue
		}

		out = append(out, arg)
	}

	return out
}

// ResolveExecutable returns the path to run for name. Names containing a
// path separator must exist; bare names are looked up in PATH.
func ResolveExecutable(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("no executable configured")
	}

	if strings.ContainsRune(name, os.PathSeparator) {
		info, err := os.Stat(name)
		if err != nil {
			return "", fmt.Errorf("stat executable: %w", err)
		}

		if info.IsDir() {
			return "", fmt.Errorf("executable %q is a directory", name)
		}

		return name, nil
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("look up executable: %w", err)
	}

	return path, nil
}

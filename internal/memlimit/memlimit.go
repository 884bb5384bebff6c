// Package memlimit resolves idle memory limits for workers.
//
// A Limit is either a fraction of total system memory (values in (0,1]) or
// an absolute number of bytes (values above 1). Zero disables the limit.
package memlimit

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"
)

// Limit is an idle memory ceiling.
type Limit float64

// TotalMemoryFunc reports total system memory in bytes.
type TotalMemoryFunc func() (uint64, error)

// Enabled reports whether the limit is configured.
func (l Limit) Enabled() bool {
	return l > 0
}

// IsFraction reports whether the limit is relative to total system memory.
func (l Limit) IsFraction() bool {
	return l > 0 && l <= 1
}

// Resolve converts the limit to bytes, floored. total is only consulted for
// fractional limits.
func (l Limit) Resolve(total uint64) uint64 {
	switch {
	case !l.Enabled():
		return 0
	case l.IsFraction():
		return uint64(math.Floor(float64(total) * float64(l)))
	default:
		return uint64(math.Floor(float64(l)))
	}
}

// String renders the limit for logs.
func (l Limit) String() string {
	switch {
	case !l.Enabled():
		return "none"
	case l.IsFraction():
		return strconv.FormatFloat(float64(l)*100, 'f', -1, 64) + "%"
	default:
		return humanize.IBytes(uint64(l))
	}
}

// Parse reads a limit from text. Accepted forms: "0.5" (fraction), "50%"
// (percentage), "1048576" (bytes), "512MB" and "1GiB" (byte sizes).
func Parse(s string) (Limit, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("parse memory limit: empty value")
	}

	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil {
			return 0, fmt.Errorf("parse memory limit %q: %w", s, err)
		}

		if v <= 0 || v > 100 {
			return 0, fmt.Errorf("parse memory limit %q: percentage must be in (0,100]", s)
		}

		return Limit(v / 100), nil
	}

	if v, err := strconv.ParseFloat(s, 64); err == nil {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("parse memory limit %q: must be a non-negative number", s)
		}

		return Limit(v), nil
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse memory limit %q: %w", s, err)
	}

	return Limit(n), nil
}

// SystemTotal reports total system memory using gopsutil.
func SystemTotal() (uint64, error) {
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("read system memory: %w", err)
	}

	return vmem.Total, nil
}

// Package subprocess runs worker children as operating system processes.
//
// A child gets two pipes besides its standard streams: it reads parent
// messages from descriptor 3 and writes its own messages to descriptor 4.
// Stdout and stderr stay free for the task's own output. Process reports
// messages, channel closure and exit through config.Events, and normalizes
// a death by signal N to exit code 128+N.
package subprocess

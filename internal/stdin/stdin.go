//go:build !windows

package stdin

import "os"

// IsPipe reports whether stdin is connected to a pipe rather than a
// terminal. When sshpod runs as an SSH ProxyCommand this is always true.
func IsPipe() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

package stdin

import "os"

// IsPipe reports whether stdin is connected to a pipe. On Windows,
// os.Stdin.Stat() fails when no pipe is attached.
func IsPipe() bool {
	_, err := os.Stdin.Stat()
	return err == nil
}

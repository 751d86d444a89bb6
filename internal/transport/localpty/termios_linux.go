//go:build linux

package localpty

import (
	"os"

	"golang.org/x/sys/unix"
)

// rawOutput stops the terminal from echoing input and from rewriting
// newlines, so command output reads the same as it does over SSH.
func rawOutput(tty *os.File) error {
	fd := int(tty.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Lflag &^= unix.ECHO | unix.ECHONL
	t.Oflag &^= unix.ONLCR
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

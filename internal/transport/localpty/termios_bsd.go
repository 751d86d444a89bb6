//go:build darwin || freebsd || netbsd || openbsd

package localpty

import (
	"os"

	"golang.org/x/sys/unix"
)

func rawOutput(tty *os.File) error {
	fd := int(tty.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TIOCGETA)
	if err != nil {
		return err
	}
	t.Lflag &^= unix.ECHO | unix.ECHONL
	t.Oflag &^= unix.ONLCR
	return unix.IoctlSetTermios(fd, unix.TIOCSETA, t)
}

// Package term switches the controlling terminal to raw mode so that
// keystrokes reach the BIOS keyboard buffer one at a time.
package term

import "golang.org/x/sys/unix"

const stdin = 0

// IsTerminal reports whether standard input is a terminal.
func IsTerminal() bool {
	_, err := unix.IoctlGetTermios(stdin, unix.TCGETS)

	return err == nil
}

// SetRawMode puts standard input in raw mode and returns a function that
// restores the previous mode.
func SetRawMode() (func(), error) {
	t, err := unix.IoctlGetTermios(stdin, unix.TCGETS)
	if err != nil {
		return func() {}, err
	}

	old := *t

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	return func() {
		_ = unix.IoctlSetTermios(stdin, unix.TCSETS, &old)
	}, unix.IoctlSetTermios(stdin, unix.TCSETS, t)
}

package main

import (
	"bytes"
	"io"
	"os"

	"golang.org/x/term"
)

// Keys that stop a monitor: escape, q and ctrl-c (raw mode delivers it as a
// byte instead of a signal).
const (
	keyEscape = 0x1b
	keyCtrlC  = 0x03
)

// watchEscape puts stdin in raw mode and closes the returned channel when an
// escape key arrives. When stdin is not a terminal the channel never closes.
// restore must be called before the process prints anything else.
func watchEscape(in *os.File, out io.Writer) (<-chan struct{}, io.Writer, func()) {
	escape := make(chan struct{})
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return escape, out, func() {}
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return escape, out, func() {}
	}
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := in.Read(buf)
			if err != nil {
				return
			}
			if n == 1 && isEscapeKey(buf[0]) {
				close(escape)
				return
			}
		}
	}()
	return escape, crlfWriter{w: out}, func() { _ = term.Restore(fd, state) }
}

func isEscapeKey(b byte) bool {
	return b == keyEscape || b == keyCtrlC || b == 'q' || b == 'Q'
}

// crlfWriter turns "\n" into "\r\n"; a raw-mode terminal does not return the
// carriage on its own.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

package vm

import (
	"os"

	"golang.org/x/term"
)

// ttyMode tracks the terminal state this process changed, so it can be
// restored exactly once regardless of which exit path (signal, shutdown,
// error) triggers the restore.
type ttyMode struct {
	fd       int
	oldState *term.State
	raw      bool
}

func newTtyMode() *ttyMode {
	return &ttyMode{fd: int(os.Stdin.Fd())}
}

// enableRaw puts stdin into raw mode if it is attached to a terminal. It is
// a no-op, not an error, when stdin isn't a TTY (e.g. piped input, tests).
func (t *ttyMode) enableRaw() error {
	if !term.IsTerminal(t.fd) {
		return nil
	}
	old, err := term.MakeRaw(t.fd)
	if err != nil {
		return &SetTerminalRawError{Err: err}
	}
	t.oldState = old
	t.raw = true
	return nil
}

// restoreCanonical undoes enableRaw. Safe to call multiple times and safe
// to call when enableRaw was never invoked or was a no-op.
func (t *ttyMode) restoreCanonical() error {
	if !t.raw || t.oldState == nil {
		return nil
	}
	t.raw = false
	if err := term.Restore(t.fd, t.oldState); err != nil {
		return &SetTerminalCanonError{Err: err}
	}
	return nil
}

func (t *ttyMode) size() (cols, rows uint16, ok bool) {
	if !term.IsTerminal(t.fd) {
		return 0, 0, false
	}
	w, h, err := term.GetSize(t.fd)
	if err != nil {
		return 0, 0, false
	}
	return uint16(w), uint16(h), true
}

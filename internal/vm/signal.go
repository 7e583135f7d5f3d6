package vm

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalDriver owns the SIGWINCH/SIGINT/SIGTERM handling loop described for
// the console: terminal resize events are forwarded to the Console
// collaborator, and SIGINT/SIGTERM restore canonical terminal mode before
// exiting the process. It runs for as long as console input is enabled.
type signalDriver struct {
	vm   *VM
	tty  *ttyMode
	ch   chan os.Signal
	done chan struct{}

	closeOnce sync.Once
}

func newSignalDriver(vm *VM, tty *ttyMode) *signalDriver {
	return &signalDriver{
		vm:   vm,
		tty:  tty,
		ch:   make(chan os.Signal, 8),
		done: make(chan struct{}),
	}
}

func (d *signalDriver) start() {
	signal.Notify(d.ch, unix.SIGWINCH, syscall.SIGINT, syscall.SIGTERM)
	go d.loop()
}

func (d *signalDriver) loop() {
	for {
		select {
		case sig := <-d.ch:
			switch sig {
			case unix.SIGWINCH:
				d.forwardWindowSize()
			case syscall.SIGINT:
				d.tty.restoreCanonical()
				os.Exit(1)
			case syscall.SIGTERM:
				d.tty.restoreCanonical()
				os.Exit(0)
			}
		case <-d.done:
			return
		}
	}
}

func (d *signalDriver) forwardWindowSize() {
	if d.vm.console == nil {
		return
	}
	ws, err := unix.IoctlGetWinsize(int(os.Stdin.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		cols, rows, ok := d.tty.size()
		if !ok {
			return
		}
		d.vm.console.SetWindowSize(cols, rows)
		return
	}
	d.vm.console.SetWindowSize(ws.Col, ws.Row)
}

// close stops the signal iterator. Called during shutdown, before the
// Device Manager is resumed, per the shutdown ordering.
func (d *signalDriver) close() {
	d.closeOnce.Do(func() {
		signal.Stop(d.ch)
		close(d.done)
	})
}

// startSignalDriver wires up and starts the signal handling goroutine for a
// VM whose console has input enabled, initializing raw terminal mode first.
func (v *VM) startSignalDriver() error {
	if v.signal != nil {
		return nil
	}
	tty := newTtyMode()
	if err := tty.enableRaw(); err != nil {
		return err
	}
	d := newSignalDriver(v, tty)
	d.start()
	v.signal = d
	return nil
}

// stopSignalDriver restores canonical terminal mode and then closes the
// signal iterator, matching the shutdown sequence's first two steps.
func (v *VM) stopSignalDriver() error {
	if v.signal == nil {
		return nil
	}
	d := v.signal
	v.signal = nil
	err := d.tty.restoreCanonical()
	d.close()
	return err
}

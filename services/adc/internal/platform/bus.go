// services/adc/internal/platform/bus.go
package platform

import (
	"errors"
	"fmt"
	"sync"

	"ads7830-go/errcode"

	"tinygo.org/x/drivers"
)

// Mode selects the bus handle lifetime.
type Mode uint8

const (
	// PerTransaction opens and closes the device around every transfer.
	PerTransaction Mode = iota
	// Exclusive opens the device once and holds it until Close.
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "per-transaction"
}

// Backends.
const (
	BackendDev    = "dev"    // /dev/i2c-N via read/write + I2C_SLAVE
	BackendPeriph = "periph" // periph.io i2creg
)

// Conn is one open handle on an I2C adapter.
type Conn interface {
	Tx(addr uint16, w, r []byte) error
	Close() error
}

// Opener opens a fresh handle.
type Opener func() (Conn, error)

// ErrClosed is returned by Tx after Close.
var ErrClosed = errors.New("i2c: bus closed")

// Bus implements drivers.I2C over an Opener with the handle policy of Mode.
// It is only used from the dispatcher goroutine; the mutex guards Close
// racing a late Tx during shutdown.
type Bus struct {
	device string
	mode   Mode
	open   Opener

	mu     sync.Mutex
	held   Conn
	closed bool
}

var _ drivers.I2C = (*Bus)(nil)

// Config selects device, backend and mode.
type Config struct {
	Device  string
	Backend string
	Mode    Mode
}

// Open resolves the backend and returns a Bus. In Exclusive mode the
// device is opened immediately and a failure is returned to the caller.
func Open(cfg Config) (*Bus, error) {
	var op Opener
	switch cfg.Backend {
	case "", BackendDev:
		op = func() (Conn, error) { return openDevFile(cfg.Device) }
	case BackendPeriph:
		op = func() (Conn, error) { return openPeriph(cfg.Device) }
	default:
		return nil, errcode.New(errcode.InvalidParams, "i2c: open", "unknown backend "+cfg.Backend)
	}
	return New(cfg.Device, cfg.Mode, op)
}

// New builds a Bus from an explicit Opener.
func New(device string, mode Mode, open Opener) (*Bus, error) {
	b := &Bus{device: device, mode: mode, open: open}
	if mode == Exclusive {
		c, err := open()
		if err != nil {
			return nil, errcode.Wrap(errcode.BusError, "i2c: open "+device, err)
		}
		b.held = c
	}
	return b, nil
}

func (b *Bus) Device() string { return b.device }
func (b *Bus) Mode() Mode     { return b.mode }

// Tx acquires a handle, binds addr, writes w, reads r, and releases any
// handle it opened, whatever the outcome.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errcode.Wrap(errcode.BusError, "i2c: "+b.device, ErrClosed)
	}

	c := b.held
	if c == nil {
		var err error
		if c, err = b.open(); err != nil {
			return errcode.Wrap(errcode.BusError, "i2c: open "+b.device, err)
		}
		defer c.Close()
	}
	if err := c.Tx(addr, w, r); err != nil {
		return errcode.Wrap(errcode.MapDriverErr(err), fmt.Sprintf("i2c: %s@%#02x", b.device, addr), err)
	}
	return nil
}

// Close releases the held handle, if any. Further Tx calls fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.held == nil {
		return nil
	}
	err := b.held.Close()
	b.held = nil
	return err
}

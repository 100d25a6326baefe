// services/adc/internal/platform/host.go
package platform

import (
	"sync"
)

// HostI2C is an in-memory I2C adapter for host-side tests. Responses are
// keyed by the first written byte (the ADS7830 command byte).
type HostI2C struct {
	mu      sync.Mutex
	values  map[byte]byte
	fail    map[byte]error
	openErr error

	opens  int
	closes int
	txs    int

	LastTx struct {
		Addr uint16
		W    []byte
		Rn   int
	}
}

func NewHostI2C() *HostI2C {
	return &HostI2C{values: map[byte]byte{}, fail: map[byte]error{}}
}

// SetResponse makes reads after command cmd return v.
func (h *HostI2C) SetResponse(cmd, v byte) {
	h.mu.Lock()
	h.values[cmd] = v
	h.mu.Unlock()
}

// Fail makes transfers for command cmd return err; nil clears it.
func (h *HostI2C) Fail(cmd byte, err error) {
	h.mu.Lock()
	if err == nil {
		delete(h.fail, cmd)
	} else {
		h.fail[cmd] = err
	}
	h.mu.Unlock()
}

// FailOpen makes Open return err; nil clears it.
func (h *HostI2C) FailOpen(err error) {
	h.mu.Lock()
	h.openErr = err
	h.mu.Unlock()
}

// Open is an Opener.
func (h *HostI2C) Open() (Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openErr != nil {
		return nil, h.openErr
	}
	h.opens++
	return &hostConn{h: h}, nil
}

// Tx lets HostI2C stand in for drivers.I2C directly.
func (h *HostI2C) Tx(addr uint16, w, r []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.txs++
	h.LastTx.Addr = addr
	h.LastTx.W = append([]byte(nil), w...)
	h.LastTx.Rn = len(r)
	var cmd byte
	if len(w) > 0 {
		cmd = w[0]
	}
	if err := h.fail[cmd]; err != nil {
		return err
	}
	for i := range r {
		r[i] = h.values[cmd]
	}
	return nil
}

// Stats returns opens, closes and transfers so far.
func (h *HostI2C) Stats() (opens, closes, txs int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens, h.closes, h.txs
}

type hostConn struct {
	h    *HostI2C
	done bool
}

func (c *hostConn) Tx(addr uint16, w, r []byte) error { return c.h.Tx(addr, w, r) }

func (c *hostConn) Close() error {
	if c.done {
		return nil
	}
	c.done = true
	c.h.mu.Lock()
	c.h.closes++
	c.h.mu.Unlock()
	return nil
}

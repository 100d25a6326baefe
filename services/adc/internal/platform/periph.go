// services/adc/internal/platform/periph.go
package platform

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

var periphInit = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// periphConn adapts a periph.io bus. periph issues write+read as one
// combined transfer (repeated start), which the ADS7830 also accepts.
type periphConn struct {
	bus i2c.BusCloser
}

// openPeriph opens a bus by periph name: "/dev/i2c-1", "I2C1", "1", or ""
// for the first registered bus.
func openPeriph(name string) (Conn, error) {
	if err := periphInit(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, err
	}
	return periphConn{bus: b}, nil
}

func (p periphConn) Tx(addr uint16, w, r []byte) error { return p.bus.Tx(addr, w, r) }
func (p periphConn) Close() error                      { return p.bus.Close() }

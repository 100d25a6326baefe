// Package status renders the operator-facing ADS7830 status report.
package status

import (
	"bufio"
	"fmt"
	"io"

	"ads7830-go/drivers/ads7830"
	"ads7830-go/services/adc/internal/registry"
)

// Header is the fixed part of the report.
type Header struct {
	ConfigFile string
	Device     string
	Address    uint16
	Exclusive  bool
	Verbose    bool
}

// Reader performs one conversion.
type Reader interface {
	Read(ch int) (uint8, error)
}

// Render writes the header and one line per channel in index order. Every
// channel is read fresh; a failed read renders the last known raw value.
// A successful read refreshes LastRaw but is not published.
//
// The layout is consumed by operators and scripts and must not change.
func Render(w io.Writer, hdr Header, reg *registry.Registry, rd Reader) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "ADS7830 Status:\n")
	fmt.Fprintf(bw, "Configuration File: %s\n", hdr.ConfigFile)
	fmt.Fprintf(bw, "Device: %s\n", hdr.Device)
	fmt.Fprintf(bw, "Address: 0x%02x\n", hdr.Address)
	fmt.Fprintf(bw, "Exclusive: %t\n", hdr.Exclusive)
	fmt.Fprintf(bw, "Verbose: %t\n", hdr.Verbose)
	fmt.Fprintf(bw, "Channels:\n")

	for _, ch := range reg.All() {
		if raw, err := rd.Read(ch.Index); err == nil {
			ch.LastRaw = raw
		}
		v := ads7830.Volts(ch.LastRaw)
		if ch.Mode == registry.Periodic {
			fmt.Fprintf(bw, "\tA%d: %s %4d ms %03d %0.2fV\n", ch.Index, ch.Name, ch.IntervalMs(), ch.LastRaw, v)
		} else {
			fmt.Fprintf(bw, "\tA%d: %s ------- %03d %0.2fV\n", ch.Index, ch.Name, ch.LastRaw, v)
		}
	}
	return bw.Flush()
}

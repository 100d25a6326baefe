// Package ads7830 provides a driver for the TI ADS7830 8-channel, 8-bit
// sampling A/D converter. Only the single-ended command set is implemented:
//
//	raw, err := d.Read(3)   // select input 3, convert, return one byte
//
// Each read is one bus transaction: a single command byte is written, then
// exactly one result byte is read. The chip has no status or error register,
// so every failure is a bus error returned as-is by the I2C implementation.
package ads7830

import (
	"errors"

	"tinygo.org/x/drivers"
)

// Address is the default 7-bit slave address (A1=A0=1).
const Address = 0x4B

// NumChannels is the number of single-ended inputs.
const NumChannels = 8

// Command byte fields (datasheet table 2).
const (
	cmdSingleEnded = 0x80 // SD=1
	cmdADOnRefOff  = 0x04 // PD1:PD0 = 01
	cmdChanShift   = 4    // C2..C0 in bits 6..4
)

// VRef is the full-scale reference used for voltage conversion.
const VRef = 3.3

// muxCode maps a logical input to the C2..C0 select code. The chip's
// single-ended codes are odd/even interleaved.
var muxCode = [NumChannels]uint8{0, 4, 1, 5, 2, 6, 3, 7}

var (
	ErrChannel = errors.New("ads7830: channel out of range")
	ErrNoBus   = errors.New("ads7830: no bus")
)

// MuxCode returns the physical multiplexer code for logical channel ch.
func MuxCode(ch int) (uint8, error) {
	if ch < 0 || ch >= NumChannels {
		return 0, ErrChannel
	}
	return muxCode[ch], nil
}

// Command builds the single-ended conversion command for logical channel ch.
func Command(ch int) (byte, error) {
	code, err := MuxCode(ch)
	if err != nil {
		return 0, err
	}
	return cmdSingleEnded | cmdADOnRefOff | code<<cmdChanShift, nil
}

// Volts converts a raw sample to volts against VRef.
func Volts(raw uint8) float64 {
	return (float64(raw) / 255.0) * VRef
}

// Device wraps an I2C connection to an ADS7830.
type Device struct {
	bus     drivers.I2C
	Address uint16

	buf [1]byte
}

// New creates a Device. It does not touch the bus.
func New(bus drivers.I2C, addr uint16) *Device {
	if addr == 0 {
		addr = Address
	}
	return &Device{bus: bus, Address: addr}
}

// Read performs one conversion on logical channel ch.
// I2C.Tx must write w and then read r; whether a repeated start or a stop
// separates the two is up to the bus implementation.
func (d *Device) Read(ch int) (uint8, error) {
	cmd, err := Command(ch)
	if err != nil {
		return 0, err
	}
	if d.bus == nil {
		return 0, ErrNoBus
	}
	d.buf[0] = 0
	if err := d.bus.Tx(d.Address, []byte{cmd}, d.buf[:]); err != nil {
		return 0, err
	}
	return d.buf[0], nil
}

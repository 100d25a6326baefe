// services/adc/internal/platform/devfile_linux.go

//go:build linux

package platform

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// ioctl request from <linux/i2c-dev.h>.
const i2cSlave = 0x0703

// devConn is an open /dev/i2c-N character device.
type devConn struct {
	fd   int
	path string
}

func openDevFile(path string) (Conn, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &devConn{fd: fd, path: path}, nil
}

// Tx binds the slave address, then issues a plain write followed by a plain
// read (stop between the two), which is what the ADS7830 expects.
func (c *devConn) Tx(addr uint16, w, r []byte) error {
	if err := unix.IoctlSetInt(c.fd, i2cSlave, int(addr)); err != nil {
		return fmt.Errorf("bind %#02x: %w", addr, err)
	}
	if len(w) > 0 {
		n, err := unix.Write(c.fd, w)
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if n != len(w) {
			return fmt.Errorf("write: %w", io.ErrShortWrite)
		}
	}
	if len(r) > 0 {
		n, err := unix.Read(c.fd, r)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if n != len(r) {
			return fmt.Errorf("read: %w", io.ErrUnexpectedEOF)
		}
	}
	return nil
}

func (c *devConn) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

// services/adc/internal/platform/devfile_other.go

//go:build !linux

package platform

import "ads7830-go/errcode"

// Character-device I2C is Linux-only. Use the periph backend or inject a
// fake Opener elsewhere.
func openDevFile(path string) (Conn, error) {
	return nil, errcode.New(errcode.Unsupported, "i2c: open "+path, "i2c-dev requires linux")
}

// Command ads7830 maps ADS7830 ADC inputs to store variables.
//
//	ads7830 [-v] [-o] [-h] <config-file>
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

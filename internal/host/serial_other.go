//go:build !linux

package host

import (
	"errors"
)

var errNoSerial = errors.New("serial ports are only supported on linux")

func openTty(string, int) (int, error) { return -1, errNoSerial }
func readTty(int, []byte) (int, error) { return 0, errNoSerial }
func writeTty(int, []byte) error       { return errNoSerial }
func closeTty(int) error               { return nil }

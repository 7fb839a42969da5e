package main

import (
	"io"
	"os"
)

// openSerialPort dials a physical serial device by path. Baud rate and
// termios configuration are not set here: the device node's existing OS
// defaults apply. This dialer only owns the open/close lifecycle the
// device manager coordinates across leases.
func openSerialPort(port string) (io.ReadWriteCloser, error) {
	return os.OpenFile(port, os.O_RDWR, 0)
}

package zaber

import (
	"errors"

	bugst "go.bug.st/serial.v1"
)

// ErrNoPorts is generated when the host has no serial ports at all
var ErrNoPorts = errors.New("zaber: no serial ports present on this machine")

// ErrNotFound is generated when no serial port answers the Zaber poll
var ErrNotFound = errors.New("zaber: no device found on any serial port")

// listPorts enumerates the serial ports on the host, a variable so tests
// can substitute a fixed list
var listPorts = bugst.GetPortsList

// Find scans the serial ports on the host and returns a connected Stage on
// the first port that answers a poll telegram.  Ports that cannot be opened
// or time out are skipped.
func Find() (*Stage, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, ErrNoPorts
	}
	for _, port := range ports {
		s := NewStage(port, true)
		_, err := s.GetInPosition("1")
		if err != nil {
			s.Close()
			continue
		}
		return s, nil
	}
	return nil, ErrNotFound
}

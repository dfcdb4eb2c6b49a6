package trigger

import (
	"fmt"
	"io"
	"sort"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/IJSComplexMatter/cross-ddm/internal/debug"
)

// Port is the subset of a serial port the link needs.
// A Read that returns 0 bytes means the read timeout elapsed with no data.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens a named port at the given baud rate.
type Opener func(name string, baud int) (Port, error)

// OpenSerial opens a real serial port with go.bug.st/serial (8N1).
func OpenSerial(name string, baud int) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return p, nil
}

// ListPorts returns candidate port names, USB ports first (the trigger board
// enumerates as a USB CDC device).
func ListPorts() ([]string, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		debug.Verbose("detailed port enumeration failed (%v), falling back to plain list", err)
		names, err := serial.GetPortsList()
		if err != nil {
			return nil, fmt.Errorf("list serial ports: %w", err)
		}
		return names, nil
	}

	sort.SliceStable(details, func(i, j int) bool {
		return details[i].IsUSB && !details[j].IsUSB
	})
	names := make([]string, 0, len(details))
	for _, d := range details {
		if d.IsUSB {
			debug.Verbose("port %s: USB %s:%s %s", d.Name, d.VID, d.PID, d.Product)
		}
		names = append(names, d.Name)
	}
	return names, nil
}

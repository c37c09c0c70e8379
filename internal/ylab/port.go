package ylab

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is an open instrument link. Read must return within the read
// timeout it was opened with, with n == 0 when nothing arrived.
type Port interface {
	io.Reader
	io.Closer
}

// Opener opens a port by name for an instrument profile.
type Opener func(name string, p Profile, timeout time.Duration) (Port, error)

// Enumerator lists candidate port names.
type Enumerator func() ([]string, error)

// OpenSerial opens a serial device as 8N1 at the profile's baud rate with
// the given read timeout.
func OpenSerial(name string, p Profile, timeout time.Duration) (Port, error) {
	mode := &serial.Mode{
		BaudRate: p.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	return port, nil
}

// SystemPorts lists the OS serial devices, sorted and de-duplicated.
func SystemPorts() ([]string, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		names := make([]string, 0, len(details))
		for _, d := range details {
			if d != nil && d.Name != "" {
				names = append(names, d.Name)
			}
		}
		slices.Sort(names)
		return slices.Compact(names), nil
	}

	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// FilterPrefix keeps the names starting with prefix. An empty prefix keeps
// everything. The result is never nil.
func FilterPrefix(names []string, prefix string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	return out
}

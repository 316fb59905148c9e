//go:build !linux

package tun

import (
	"fmt"
	"runtime"
)

// StubTUN is a placeholder for unsupported platforms during development.
type StubTUN struct {
	name string
}

func NewLinuxTUN(name string) (*StubTUN, error) {
	return nil, fmt.Errorf("TUN devices not supported on %s (Linux required)", runtime.GOOS)
}

func (d *StubTUN) Name() string                  { return d.name }
func (d *StubTUN) Read(buf []byte) (int, error)  { return 0, fmt.Errorf("stub") }
func (d *StubTUN) Write(buf []byte) (int, error) { return 0, fmt.Errorf("stub") }
func (d *StubTUN) SetMTU(mtu int) error          { return fmt.Errorf("stub") }
func (d *StubTUN) AddIPAddress(cidr string) error { return fmt.Errorf("stub") }
func (d *StubTUN) SetUp() error                  { return fmt.Errorf("stub") }
func (d *StubTUN) Close() error                  { return nil }

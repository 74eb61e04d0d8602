// Package simbus provides an in-memory simulated PROFIBUS medium for
// tests: a shared Bus that multiple fdl.PHY stations attach to, each
// writing to and reading from the same broadcast wire with zero
// propagation delay. It exists purely as test tooling (spec subclause
// 6.3) and is never imported by the protocol packages themselves.
package simbus

import "github.com/rob-gra/go-profibus-dp/fdl"

// Bus is a shared medium connecting any number of Stations.
type Bus struct {
	stations []*Station
}

// NewBus constructs an empty shared medium.
func NewBus() *Bus {
	return &Bus{}
}

// Station is one station's attachment point to a Bus; it implements
// fdl.PHY.
type Station struct {
	bus   *Bus
	rx    []byte
	baud  fdl.BaudRate
	fault error
}

// Attach connects a new station to b and returns its PHY handle.
func (b *Bus) Attach() *Station {
	s := &Station{bus: b}
	b.stations = append(b.stations, s)
	return s
}

// Detach removes s from the bus; further transmits from s reach no
// one, and s stops receiving anything new.
func (b *Bus) Detach(s *Station) {
	for i, st := range b.stations {
		if st == s {
			b.stations = append(b.stations[:i], b.stations[i+1:]...)
			return
		}
	}
}

// FailReceive makes the next PollReceive on s return err, simulating a
// PHY fault; pass nil to clear it.
func (s *Station) FailReceive(err error) {
	s.fault = err
}

func (s *Station) PollReceive(buf []byte) (int, error) {
	if s.fault != nil {
		err := s.fault
		s.fault = nil
		return 0, err
	}
	n := copy(buf, s.rx)
	s.rx = s.rx[n:]
	return n, nil
}

func (s *Station) PollTransmit(buf []byte) (int, error) {
	for _, other := range s.bus.stations {
		if other == s {
			continue
		}
		other.rx = append(other.rx, buf...)
	}
	return len(buf), nil
}

func (s *Station) IsTransmitIdle() bool { return true }

func (s *Station) SetBaudRate(rate fdl.BaudRate) error {
	s.baud = rate
	return nil
}

func (s *Station) Reset() error {
	s.rx = nil
	s.fault = nil
	return nil
}

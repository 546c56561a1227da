// SPDX-FileCopyrightText: 2026 The nexcore Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package login

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// StationURL describes a reachable NEX endpoint, e.g.,
//
//	prudps:/address=10.0.0.1;port=60181;CID=1;PID=2;sid=1;stream=10;type=2
//
// Known parameters are parsed into their fields. All parameters are kept in their
// original order to be formatted again.
type StationURL struct {
	Scheme string
	Params []StationParam

	Address string
	Port    uint16
	CID     uint32
	PID     uint32
	SID     uint8
	Stream  uint8
	Type    uint8
}

// StationParam is a single key=value pair of a StationURL.
type StationParam struct {
	Key   string
	Value string
}

// ParseStationURL parses a StationURL. Parameter keys are case sensitive, as CID
// and PID are written in upper case.
func ParseStationURL(url string) (*StationURL, error) {
	scheme, rest, ok := strings.Cut(url, ":/")
	if !ok || scheme == "" {
		return nil, fmt.Errorf("station URL %q misses a scheme", url)
	}

	s := &StationURL{Scheme: scheme}

	for _, field := range strings.Split(rest, ";") {
		if field == "" {
			continue
		}

		key, value, ok := strings.Cut(field, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("station URL %q has a malformed parameter %q", url, field)
		}
		s.Params = append(s.Params, StationParam{Key: key, Value: value})

		if err := s.set(key, value); err != nil {
			return nil, fmt.Errorf("station URL %q: %w", url, err)
		}
	}

	return s, nil
}

func (s *StationURL) set(key, value string) error {
	parse := func(bits int) (uint64, error) {
		n, err := strconv.ParseUint(value, 10, bits)
		if err != nil {
			return 0, fmt.Errorf("parameter %s=%q is not a %d bit number", key, value, bits)
		}
		return n, nil
	}

	var (
		n   uint64
		err error
	)

	switch key {
	case "address":
		s.Address = value
	case "port":
		n, err = parse(16)
		s.Port = uint16(n)
	case "CID":
		n, err = parse(32)
		s.CID = uint32(n)
	case "PID":
		n, err = parse(32)
		s.PID = uint32(n)
	case "sid":
		n, err = parse(8)
		s.SID = uint8(n)
	case "stream":
		n, err = parse(8)
		s.Stream = uint8(n)
	case "type":
		n, err = parse(8)
		s.Type = uint8(n)
	}

	return err
}

// Get returns the raw value of a parameter.
func (s *StationURL) Get(key string) (value string, ok bool) {
	for _, p := range s.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// HostPort of this station, to be dialed.
func (s *StationURL) HostPort() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(int(s.Port)))
}

func (s *StationURL) String() string {
	var b strings.Builder
	b.WriteString(s.Scheme)
	b.WriteString(":/")

	for i, p := range s.Params {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}

	return b.String()
}

// ClientStationURL is the station this client announces to a secure server.
func ClientStationURL(port uint16) string {
	return fmt.Sprintf("prudp:/port=%d;natf=0;natm=0;pmp=0;sid=15;type=2;upnp=0", port)
}

// Package types holds the data model shared by every layer of the
// mirroring protocol: addresses, messages, message identifiers and
// per-(topic,command) parameter schemas.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Address identifies a client or server endpoint. It is a plain
// comparable struct so it can be used directly as a map key, matching
// the "equality and hashing are structural" requirement.
type Address struct {
	IP   string
	Port int
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// ParseAddress parses a "host:port" string into an Address.
func ParseAddress(s string) (Address, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return Address{}, fmt.Errorf("address %q: missing port", s)
	}
	host, portStr := s[:idx], s[idx+1:]
	if host == "" {
		return Address{}, fmt.Errorf("address %q: missing host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("address %q: bad port: %w", s, err)
	}
	return Address{IP: host, Port: port}, nil
}

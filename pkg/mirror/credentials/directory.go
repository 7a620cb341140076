// Package credentials resolves a (username, password) pair to an access
// level, backed by an optional TOML file and falling back to a built-in
// table, grounded on original_source/src/common/users.py.
package credentials

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// AccessLevel mirrors users.py's AccessType enum.
type AccessLevel int

const (
	Unauthenticated AccessLevel = iota
	Anonymous
	Authorized
)

func (a AccessLevel) String() string {
	switch a {
	case Anonymous:
		return "ANONYMOUS"
	case Authorized:
		return "AUTHORIZED"
	default:
		return "UNAUTHENTICATED"
	}
}

// defaultUsers is the built-in table used when no credentials file is
// supplied, matching original_source/src/common/users.py's known_users.
var defaultUsers = map[string]string{
	"sar":    "sar",
	"sza":    "sza",
	"samuel": "konstantin",
}

// fileFormat is the shape of the TOML credentials file: a flat
// username = "password" table under [users].
type fileFormat struct {
	Users map[string]string `toml:"users"`
}

// Directory resolves credentials to an access level.
type Directory struct {
	users map[string]string
}

// NewDefault builds a Directory backed by the built-in user table.
func NewDefault() *Directory {
	return &Directory{users: copyTable(defaultUsers)}
}

// LoadFile builds a Directory from a TOML credentials file. The file must
// have a top-level [users] table of username = "password" entries.
func LoadFile(path string) (*Directory, error) {
	var parsed fileFormat
	if _, err := toml.DecodeFile(path, &parsed); err != nil {
		return nil, fmt.Errorf("credentials: load %s: %w", path, err)
	}
	if len(parsed.Users) == 0 {
		return nil, fmt.Errorf("credentials: %s defines no [users] table", path)
	}
	return &Directory{users: parsed.Users}, nil
}

// CheckAuth resolves username/password to an access level. "anonymous"
// always resolves to Anonymous regardless of password, matching
// users.py's check_auth.
func (d *Directory) CheckAuth(username, password string) AccessLevel {
	if username == "anonymous" {
		return Anonymous
	}
	if want, known := d.users[username]; known && password == want {
		return Authorized
	}
	return Unauthenticated
}

func copyTable(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package types

import "fmt"

// The Design Notes ("Message as open record") prefer, for a statically
// typed implementation, committing to a schema per (topic, command) pair
// and validating on receive rather than treating Params as an untyped
// tree everywhere. These types are that schema layer: each has an Encode
// into a map[string]any (for building outgoing Messages), and all but
// ErrorParams have a Decode free function that validates an incoming
// Message's Params.

// AuthParams carries CLIENT/AUTH.
type AuthParams struct {
	Username string
	Password string
}

func (p AuthParams) Encode() map[string]any {
	return map[string]any{"username": p.Username, "password": p.Password}
}

func DecodeAuthParams(params map[string]any) (AuthParams, error) {
	user, ok1 := params["username"].(string)
	pass, ok2 := params["password"].(string)
	if !ok1 || !ok2 {
		return AuthParams{}, fmt.Errorf("AUTH: missing username/password")
	}
	return AuthParams{Username: user, Password: pass}, nil
}

// AuthSuccessParams carries CLIENT/AUTH_SUCCESS.
type AuthSuccessParams struct {
	Success bool
}

func (p AuthSuccessParams) Encode() map[string]any {
	return map[string]any{"success": p.Success}
}

func DecodeAuthSuccessParams(params map[string]any) (AuthSuccessParams, error) {
	ok, exists := params["success"].(bool)
	if !exists {
		return AuthSuccessParams{}, fmt.Errorf("AUTH_SUCCESS: missing success")
	}
	return AuthSuccessParams{Success: ok}, nil
}

// SetServersParams carries CLIENT/SET_SERVERS.
type SetServersParams struct {
	Servers []Address
}

func (p SetServersParams) Encode() map[string]any {
	out := make([]any, len(p.Servers))
	for i, s := range p.Servers {
		out[i] = EncodeAddress(s)
	}
	return map[string]any{"servers": out}
}

func DecodeSetServersParams(params map[string]any) (SetServersParams, error) {
	servers, err := decodeAddressList(params["servers"])
	if err != nil {
		return SetServersParams{}, fmt.Errorf("SET_SERVERS: %w", err)
	}
	return SetServersParams{Servers: servers}, nil
}

// AddServerParams carries CLIENT/ADD_SERVER and REPLICATION/ADD_SERVER.
type AddServerParams struct {
	Server Address
}

func (p AddServerParams) Encode() map[string]any {
	return map[string]any{"server": EncodeAddress(p.Server)}
}

func DecodeAddServerParams(params map[string]any) (AddServerParams, error) {
	addr, ok := decodeAddress(params["server"])
	if !ok {
		return AddServerParams{}, fmt.Errorf("ADD_SERVER: missing/bad server")
	}
	return AddServerParams{Server: addr}, nil
}

// ErrorParams carries CLIENT/ERROR.
type ErrorParams struct {
	Error string
}

func (p ErrorParams) Encode() map[string]any {
	return map[string]any{"error": p.Error}
}

// InitializeParams carries REPLICATION/INITIALIZE: the current server list
// and the client map, transferred as a list of (address, access-level)
// pairs because mapping keys cannot be addresses on the wire.
type InitializeParams struct {
	Servers []Address
	Clients []ClientEntry
}

// ClientEntry is one (address, access-level) pair of the client map.
type ClientEntry struct {
	Address Address
	Access  int
}

func (p InitializeParams) Encode() map[string]any {
	servers := make([]any, len(p.Servers))
	for i, s := range p.Servers {
		servers[i] = EncodeAddress(s)
	}
	clients := make([]any, len(p.Clients))
	for i, c := range p.Clients {
		clients[i] = []any{EncodeAddress(c.Address), int64(c.Access)}
	}
	return map[string]any{"servers": servers, "clients": clients}
}

func DecodeInitializeParams(params map[string]any) (InitializeParams, error) {
	servers, err := decodeAddressList(params["servers"])
	if err != nil {
		return InitializeParams{}, fmt.Errorf("INITIALIZE: %w", err)
	}

	rawClients, ok := params["clients"].([]any)
	if !ok {
		return InitializeParams{}, fmt.Errorf("INITIALIZE: missing clients")
	}
	clients := make([]ClientEntry, 0, len(rawClients))
	for _, rc := range rawClients {
		pair, ok := rc.([]any)
		if !ok || len(pair) != 2 {
			return InitializeParams{}, fmt.Errorf("INITIALIZE: bad client entry")
		}
		addr, ok := decodeAddress(pair[0])
		if !ok {
			return InitializeParams{}, fmt.Errorf("INITIALIZE: bad client address")
		}
		access, ok := asInt(pair[1])
		if !ok {
			return InitializeParams{}, fmt.Errorf("INITIALIZE: bad client access level")
		}
		clients = append(clients, ClientEntry{Address: addr, Access: access})
	}
	return InitializeParams{Servers: servers, Clients: clients}, nil
}

func decodeAddressList(v any) ([]Address, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("missing address list")
	}
	out := make([]Address, 0, len(raw))
	for _, r := range raw {
		addr, ok := decodeAddress(r)
		if !ok {
			return nil, fmt.Errorf("bad address entry %#v", r)
		}
		out = append(out, addr)
	}
	return out, nil
}

// WatchedParams carries FILE/WATCHED.
type WatchedParams struct {
	SrcPath string
}

func DecodeWatchedParams(params map[string]any) (WatchedParams, error) {
	p, ok := params["src_path"].(string)
	if !ok {
		return WatchedParams{}, fmt.Errorf("WATCHED: missing src_path")
	}
	return WatchedParams{SrcPath: p}, nil
}

func (p WatchedParams) Encode() map[string]any {
	return map[string]any{"src_path": p.SrcPath}
}

// CreatedParams carries FILE/CREATED.
type CreatedParams struct {
	SrcPath     string
	IsDirectory bool
}

func (p CreatedParams) Encode() map[string]any {
	return map[string]any{"src_path": p.SrcPath, "is_directory": p.IsDirectory}
}

func DecodeCreatedParams(params map[string]any) (CreatedParams, error) {
	path, ok1 := params["src_path"].(string)
	dir, ok2 := params["is_directory"].(bool)
	if !ok1 || !ok2 {
		return CreatedParams{}, fmt.Errorf("CREATED: missing src_path/is_directory")
	}
	return CreatedParams{SrcPath: path, IsDirectory: dir}, nil
}

// DeletedParams carries FILE/DELETED.
type DeletedParams struct {
	SrcPath     string
	IsDirectory bool
}

func (p DeletedParams) Encode() map[string]any {
	return map[string]any{"src_path": p.SrcPath, "is_directory": p.IsDirectory}
}

func DecodeDeletedParams(params map[string]any) (DeletedParams, error) {
	path, ok1 := params["src_path"].(string)
	dir, ok2 := params["is_directory"].(bool)
	if !ok1 || !ok2 {
		return DeletedParams{}, fmt.Errorf("DELETED: missing src_path/is_directory")
	}
	return DeletedParams{SrcPath: path, IsDirectory: dir}, nil
}

// MovedParams carries FILE/MOVED.
type MovedParams struct {
	SrcPath     string
	DestPath    string
	IsDirectory bool
}

func (p MovedParams) Encode() map[string]any {
	return map[string]any{"src_path": p.SrcPath, "dest_path": p.DestPath, "is_directory": p.IsDirectory}
}

func DecodeMovedParams(params map[string]any) (MovedParams, error) {
	src, ok1 := params["src_path"].(string)
	dst, ok2 := params["dest_path"].(string)
	dir, ok3 := params["is_directory"].(bool)
	if !ok1 || !ok2 || !ok3 {
		return MovedParams{}, fmt.Errorf("MOVED: missing src_path/dest_path/is_directory")
	}
	return MovedParams{SrcPath: src, DestPath: dst, IsDirectory: dir}, nil
}

// ModifiedParams carries FILE/MODIFIED. NewContent is nil for a no-op
// modification (e.g. the file was deleted before it could be read).
type ModifiedParams struct {
	SrcPath     string
	IsDirectory bool
	NewContent  []byte
}

func (p ModifiedParams) Encode() map[string]any {
	var content any
	if p.NewContent != nil {
		content = p.NewContent
	}
	return map[string]any{"src_path": p.SrcPath, "is_directory": p.IsDirectory, "new_content": content}
}

func DecodeModifiedParams(params map[string]any) (ModifiedParams, error) {
	path, ok1 := params["src_path"].(string)
	dir, ok2 := params["is_directory"].(bool)
	if !ok1 || !ok2 {
		return ModifiedParams{}, fmt.Errorf("MODIFIED: missing src_path/is_directory")
	}
	var content []byte
	switch v := params["new_content"].(type) {
	case nil:
		content = nil
	case []byte:
		content = v
	default:
		return ModifiedParams{}, fmt.Errorf("MODIFIED: bad new_content type %T", v)
	}
	return ModifiedParams{SrcPath: path, IsDirectory: dir, NewContent: content}, nil
}

package radio

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Handle is the connection handle a resource assigns to an occupant.
type Handle uint32

func (h Handle) String() string {
	return fmt.Sprintf("0x%08X", uint32(h))
}

// Status is the reachability status a resource advertises.
type Status int

const (
	StatusAvailable Status = iota
	StatusInUse
)

func (s Status) String() string {
	switch s {
	case StatusAvailable:
		return "Available"
	case StatusInUse:
		return "In_Use"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStatus accepts the status strings resources advertise ("available",
// "in_use", "in use"), case-insensitively. Anything else is treated as in use.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available":
		return StatusAvailable
	default:
		return StatusInUse
	}
}

// AccessPath is how a resource is reached.
type AccessPath int

const (
	AccessLocal AccessPath = iota
	AccessRelay
)

func (a AccessPath) String() string {
	if a == AccessRelay {
		return "wan"
	}
	return "local"
}

// MarshalText implements encoding.TextMarshaler.
func (a AccessPath) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Client is one occupant of a resource.
type Client struct {
	Handle   Handle `json:"handle"`
	Station  string `json:"station"`
	ClientID string `json:"clientId,omitempty"`
	Program  string `json:"program"`
	// LocalControl reports whether the occupant holds local PTT/control.
	LocalControl bool `json:"localControl"`
}

// Resource is one discovered radio.
type Resource struct {
	Serial   string     `json:"serial"`
	Access   AccessPath `json:"access"`
	Nickname string     `json:"nickname"`
	Model    string     `json:"model"`
	// Address is host:port for the command connection.
	Address  string    `json:"address"`
	Status   Status    `json:"status"`
	Version  Version   `json:"version"`
	Clients  []Client  `json:"clients"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// ConnectionString returns "<type>.<serial>" for the resource.
func (r Resource) ConnectionString() string {
	return r.Access.String() + "." + r.Serial
}

// Clone returns a deep copy of r.
func (r Resource) Clone() Resource {
	out := r
	if r.Clients != nil {
		out.Clients = make([]Client, len(r.Clients))
		copy(out.Clients, r.Clients)
	}
	return out
}

// Client returns the occupant with the given handle.
func (r Resource) Client(h Handle) (Client, bool) {
	for _, c := range r.Clients {
		if c.Handle == h {
			return c, true
		}
	}
	return Client{}, false
}

// Stations returns the occupant station names in occupant order.
func (r Resource) Stations() []string {
	out := make([]string, 0, len(r.Clients))
	for _, c := range r.Clients {
		out = append(out, c.Station)
	}
	return out
}

// ErrInvalidConnectionString is returned for connection strings with more than
// two dot-separated parts or an unknown type.
var ErrInvalidConnectionString = errors.New("invalid connection string")

// ParseConnectionString splits "<type>.<serial>". A bare serial is local.
func ParseConnectionString(s string) (string, AccessPath, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return "", AccessLocal, fmt.Errorf("%w: %q", ErrInvalidConnectionString, s)
		}
		return parts[0], AccessLocal, nil
	case 2:
		if parts[1] == "" {
			return "", AccessLocal, fmt.Errorf("%w: %q", ErrInvalidConnectionString, s)
		}
		switch strings.ToLower(parts[0]) {
		case "local":
			return parts[1], AccessLocal, nil
		case "wan":
			return parts[1], AccessRelay, nil
		}
	}
	return "", AccessLocal, fmt.Errorf("%w: %q", ErrInvalidConnectionString, s)
}

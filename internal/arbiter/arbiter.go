package arbiter

import (
	"fmt"
	"strings"

	"github.com/radio-control/xapi/internal/radio"
)

// Generation is the protocol generation of a resource.
type Generation int

const (
	Legacy Generation = iota
	Current
)

func (g Generation) String() string {
	if g == Current {
		return "Current"
	}
	return "Legacy"
}

// Mode is the access mode a client asks for.
type Mode int

const (
	Exclusive Mode = iota
	Shared
)

func (m Mode) String() string {
	if m == Shared {
		return "shared"
	}
	return "exclusive"
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ParseMode accepts "exclusive" (or "gui") and "shared" (or "nongui").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exclusive", "gui":
		return Exclusive, nil
	case "shared", "nongui", "non-gui":
		return Shared, nil
	default:
		return Exclusive, fmt.Errorf("unknown access mode %q", s)
	}
}

// Outcome is the kind of decision.
type Outcome int

const (
	Proceed Outcome = iota
	AskUser
	NoAction
)

func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "Proceed"
	case AskUser:
		return "AskUser"
	default:
		return "NoAction"
	}
}

// Action is what a chosen option does.
type Action int

const (
	ActionCancel Action = iota
	// ActionEvict evicts one occupant before (or instead of) opening.
	ActionEvict
	// ActionCloseLegacy tears down the sole session of a legacy resource.
	ActionCloseLegacy
	ActionConnectShared
	ActionRemoteControl
	// ActionCloseSelf ends this client's own session.
	ActionCloseSelf
	// ActionSelect picks a resource from a list.
	ActionSelect
)

func (a Action) String() string {
	switch a {
	case ActionCancel:
		return "cancel"
	case ActionEvict:
		return "evict"
	case ActionCloseLegacy:
		return "closeLegacy"
	case ActionConnectShared:
		return "connectShared"
	case ActionRemoteControl:
		return "remoteControl"
	case ActionCloseSelf:
		return "closeSelf"
	case ActionSelect:
		return "select"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Key selects a table row.
type Key struct {
	Generation Generation
	Status     radio.Status
	Count      int
}

func (k Key) String() string {
	return fmt.Sprintf("(%s, %s, %d)", k.Generation, k.Status, k.Count)
}

// KeyFor derives the table key from a resource snapshot. Legacy resources do
// not report their occupants, so their count follows the status.
func KeyFor(res radio.Resource) Key {
	if !res.Version.IsCurrent() {
		count := 0
		if res.Status == radio.StatusInUse {
			count = 1
		}
		return Key{Generation: Legacy, Status: res.Status, Count: count}
	}
	return Key{Generation: Current, Status: res.Status, Count: len(res.Clients)}
}

// PendingKind is the kind of eviction threaded through a connect attempt.
type PendingKind int

const (
	PendingNone PendingKind = iota
	PendingCloseLegacy
	PendingCloseOccupant
)

// PendingDisconnect names the occupant to evict before opening.
type PendingDisconnect struct {
	Kind   PendingKind
	Handle radio.Handle
}

// None is the zero PendingDisconnect.
var None = PendingDisconnect{}

func (p PendingDisconnect) String() string {
	switch p.Kind {
	case PendingCloseLegacy:
		return "CloseLegacyOccupant"
	case PendingCloseOccupant:
		return "CloseOccupant(" + p.Handle.String() + ")"
	default:
		return "None"
	}
}

// Option is one choice offered to the user.
type Option struct {
	Action  Action       `json:"action"`
	Handle  radio.Handle `json:"handle,omitempty"`
	Station string       `json:"station,omitempty"`
	// Target is the connection string for ActionSelect.
	Target string `json:"target,omitempty"`
	Label  string `json:"label"`
}

// Pending returns the eviction an open-time option requires.
func (o Option) Pending() PendingDisconnect {
	switch o.Action {
	case ActionEvict:
		return PendingDisconnect{Kind: PendingCloseOccupant, Handle: o.Handle}
	case ActionCloseLegacy:
		return PendingDisconnect{Kind: PendingCloseLegacy}
	default:
		return None
	}
}

// ModeFor returns the access mode an open-time option implies.
func (o Option) ModeFor(desired Mode) Mode {
	switch o.Action {
	case ActionConnectShared, ActionRemoteControl:
		return Shared
	default:
		return desired
	}
}

// Decision is the arbiter's answer for one resource.
type Decision struct {
	Outcome Outcome
	Key     Key
	Message string
	Options []Option
}

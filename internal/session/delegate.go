package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/radio-control/xapi/internal/arbiter"
	"github.com/radio-control/xapi/internal/radio"
)

// PromptKind is the kind of question put to the Decider.
type PromptKind int

const (
	// PromptOpen resolves an occupied resource on connect.
	PromptOpen PromptKind = iota
	// PromptClose resolves other occupants on disconnect.
	PromptClose
	// PromptPick selects a resource from the discovered list.
	PromptPick
)

func (k PromptKind) String() string {
	switch k {
	case PromptOpen:
		return "open"
	case PromptClose:
		return "close"
	default:
		return "pick"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k PromptKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Prompt is a question that needs an answer before the manager continues.
type Prompt struct {
	ID      string           `json:"id"`
	Kind    PromptKind       `json:"kind"`
	Target  string           `json:"target,omitempty"`
	Message string           `json:"message"`
	Options []arbiter.Option `json:"options"`
}

// Decider answers prompts. Decide may block for as long as a human takes;
// returning an error is treated as cancel.
type Decider interface {
	Decide(ctx context.Context, p Prompt) (arbiter.Option, error)
}

// Observer receives lifecycle notifications. Calls are made from the
// manager's loop and must not block.
type Observer interface {
	ConnectionState(ok bool, target, message string)
	DisconnectionState(reason string)
}

// CommandObserver is optionally implemented by an Observer that records
// submitted commands.
type CommandObserver interface {
	CommandSent(target, text string)
}

// Observers fans notifications out to several observers.
type Observers []Observer

func (o Observers) ConnectionState(ok bool, target, message string) {
	for _, ob := range o {
		ob.ConnectionState(ok, target, message)
	}
}

func (o Observers) DisconnectionState(reason string) {
	for _, ob := range o {
		ob.DisconnectionState(reason)
	}
}

func (o Observers) CommandSent(target, text string) {
	for _, ob := range o {
		if co, ok := ob.(CommandObserver); ok {
			co.CommandSent(target, text)
		}
	}
}

// RelayValidator confirms a relay resource is reachable and returns the
// brokered handle used to open it.
type RelayValidator interface {
	ValidateTarget(ctx context.Context, res radio.Resource) (string, error)
}

// Registry is the resource source the manager follows. ClearClientID
// forgets an occupant's client identity when a session to it ends.
type Registry interface {
	Snapshot() []radio.Resource
	Subscribe(buffer int) (<-chan radio.Event, func())
	ClearClientID(serial string, access radio.AccessPath, h radio.Handle) bool
}

// PickerLabel renders a resource as "TYPE nickname status stations".
func PickerLabel(res radio.Resource) string {
	kind := "LOCAL"
	if res.Access == radio.AccessRelay {
		kind = "SMARTLINK"
	}
	return fmt.Sprintf("%s %s %s %s", kind, res.Nickname, res.Status, strings.Join(res.Stations(), ","))
}

func pickPrompt(resources []radio.Resource) Prompt {
	p := Prompt{Kind: PromptPick, Message: "Select a radio"}
	for _, res := range resources {
		p.Options = append(p.Options, arbiter.Option{
			Action: arbiter.ActionSelect,
			Target: res.ConnectionString(),
			Label:  PickerLabel(res),
		})
	}
	p.Options = append(p.Options, arbiter.Option{Action: arbiter.ActionCancel, Label: "Cancel"})
	return p
}

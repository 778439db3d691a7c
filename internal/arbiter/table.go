package arbiter

import (
	"github.com/radio-control/xapi/internal/radio"
)

// Choice is a table entry for one option. Slot is the occupant index the
// option refers to, when it refers to one.
type Choice struct {
	Action Action
	Slot   int
}

// Rule is one row of a decision table.
type Rule struct {
	Outcome Outcome
	Message string
	Choices []Choice
}

var exclusiveTable = map[Key]Rule{
	{Legacy, radio.StatusAvailable, 0}: {Outcome: Proceed},
	{Legacy, radio.StatusInUse, 1}: {
		Outcome: AskUser,
		Message: "Radio is connected to another Client",
		Choices: []Choice{{Action: ActionCloseLegacy}, {Action: ActionCancel}},
	},
	{Current, radio.StatusAvailable, 0}: {Outcome: Proceed},
	{Current, radio.StatusAvailable, 1}: {
		Outcome: AskUser,
		Message: "Radio is connected to one Station",
		Choices: []Choice{{Action: ActionEvict, Slot: 0}, {Action: ActionConnectShared}},
	},
	{Current, radio.StatusInUse, 2}: {
		Outcome: AskUser,
		Message: "Radio is connected to multiple Stations",
		Choices: []Choice{
			{Action: ActionEvict, Slot: 0},
			{Action: ActionEvict, Slot: 1},
			{Action: ActionRemoteControl},
			{Action: ActionCancel},
		},
	},
}

var sharedTable = map[Key]Rule{
	{Current, radio.StatusAvailable, 0}: {Outcome: Proceed},
	{Current, radio.StatusInUse, 0}:     {Outcome: Proceed},
	{Current, radio.StatusAvailable, 1}: {Outcome: Proceed},
	{Current, radio.StatusInUse, 1}:     {Outcome: Proceed},
	{Current, radio.StatusAvailable, 2}: {Outcome: Proceed},
	{Current, radio.StatusInUse, 2}:     {Outcome: Proceed},
}

// Rules returns a copy of the open table for mode.
func Rules(mode Mode) map[Key]Rule {
	src := exclusiveTable
	if mode == Shared {
		src = sharedTable
	}
	out := make(map[Key]Rule, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Decide resolves an open request for res in the desired mode.
func Decide(mode Mode, res radio.Resource) Decision {
	k := KeyFor(res)
	rule, ok := Rules(mode)[k]
	if !ok {
		return Decision{Outcome: NoAction, Key: k}
	}
	d := Decision{Outcome: rule.Outcome, Key: k, Message: rule.Message}
	for _, c := range rule.Choices {
		opt, ok := resolve(c, res)
		if !ok {
			return Decision{Outcome: NoAction, Key: k}
		}
		d.Options = append(d.Options, opt)
	}
	return d
}

// DecideClose resolves a request to end this client's own session. self is
// this client's handle on res; program labels the close-self option.
//
// Shared sessions and legacy resources close immediately, as does an
// exclusive session that is the only occupant. Otherwise the user may evict
// another occupant instead, or end this session.
func DecideClose(mode Mode, res radio.Resource, self radio.Handle, program string) Decision {
	k := KeyFor(res)
	if mode == Shared || k.Generation == Legacy {
		return Decision{Outcome: Proceed, Key: k}
	}

	var others []radio.Client
	for _, c := range res.Clients {
		if c.Handle != self {
			others = append(others, c)
		}
	}
	if len(others) == 0 {
		return Decision{Outcome: Proceed, Key: k}
	}

	d := Decision{Outcome: AskUser, Key: k, Message: "Radio is connected to one Station"}
	if len(others) > 1 {
		d.Message = "Radio is connected to multiple Stations"
	}
	for _, c := range others {
		d.Options = append(d.Options, Option{
			Action:  ActionEvict,
			Handle:  c.Handle,
			Station: c.Station,
			Label:   "Close " + c.Station,
		})
	}
	d.Options = append(d.Options,
		Option{Action: ActionCloseSelf, Label: "Disconnect " + program},
		Option{Action: ActionCancel, Label: "Cancel"},
	)
	return d
}

func resolve(c Choice, res radio.Resource) (Option, bool) {
	switch c.Action {
	case ActionEvict:
		if c.Slot < 0 || c.Slot >= len(res.Clients) {
			return Option{}, false
		}
		occ := res.Clients[c.Slot]
		return Option{Action: ActionEvict, Handle: occ.Handle, Station: occ.Station, Label: "Close " + occ.Station}, true
	case ActionCloseLegacy:
		return Option{Action: ActionCloseLegacy, Label: "Close this client"}, true
	case ActionConnectShared:
		return Option{Action: ActionConnectShared, Label: "Multiflex Connect"}, true
	case ActionRemoteControl:
		return Option{Action: ActionRemoteControl, Label: "Remote Control"}, true
	default:
		return Option{Action: ActionCancel, Label: "Cancel"}, true
	}
}

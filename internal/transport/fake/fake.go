// Package fake provides an in-memory Transport for tests.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/radio-control/xapi/internal/radio"
	"github.com/radio-control/xapi/internal/transport"
)

// Call records one Transport method invocation.
type Call struct {
	Method string
	Params transport.OpenParams
	Handle radio.Handle
	Text   string
}

// Transport implements transport.Transport in memory.
type Transport struct {
	mu     sync.Mutex
	calls  []Call
	open   bool
	handle radio.Handle
	seq    int
	events chan transport.Event

	// NextHandle is returned by the next successful Open.
	NextHandle radio.Handle

	// Error simulation
	OpenErr  error
	EvictErr error
	BindErr  error
	SendErr  error

	// OnEvict runs after a successful RequestEviction, outside the lock.
	OnEvict func(res radio.Resource, target radio.Handle)
	// OnOpen runs before Open returns; a non-nil error fails the Open.
	OnOpen func(p transport.OpenParams) error
	// OnBind runs before Bind returns, outside the lock.
	OnBind func(clientID string)
}

var _ transport.Transport = (*Transport)(nil)

// New creates a fake transport that hands out handle 0x10000001.
func New() *Transport {
	return &Transport{
		NextHandle: 0x10000001,
		events:     make(chan transport.Event, 256),
	}
}

func (f *Transport) record(c Call) {
	f.calls = append(f.calls, c)
}

// Open records the call and returns NextHandle.
func (f *Transport) Open(ctx context.Context, p transport.OpenParams) (radio.Handle, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	f.mu.Lock()
	f.record(Call{Method: "Open", Params: p})
	err := f.OpenErr
	hook := f.OnOpen
	f.mu.Unlock()

	if err == nil && hook != nil {
		err = hook(p)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = true
	f.handle = f.NextHandle
	f.emit(transport.Event{Kind: transport.LineReceived, Text: "V" + p.Resource.Version.String()})
	f.emit(transport.Event{Kind: transport.LineReceived, Text: "H" + fmt.Sprintf("%08X", uint32(f.handle))})
	return f.handle, nil
}

// Close records the call and marks the transport closed.
func (f *Transport) Close(ctx context.Context, handle radio.Handle, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "Close", Handle: handle, Text: reason})
	if !f.open {
		return transport.ErrNotOpen
	}
	f.open = false
	return nil
}

// RequestEviction records the call and runs OnEvict.
func (f *Transport) RequestEviction(ctx context.Context, res radio.Resource, target radio.Handle) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	f.mu.Lock()
	f.record(Call{Method: "RequestEviction", Handle: target, Params: transport.OpenParams{Resource: res}})
	err := f.EvictErr
	hook := f.OnEvict
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(res, target)
	}
	return nil
}

// Bind records the call.
func (f *Transport) Bind(ctx context.Context, clientID string) error {
	f.mu.Lock()
	f.record(Call{Method: "Bind", Text: clientID})
	hook := f.OnBind
	f.mu.Unlock()

	if hook != nil {
		hook(clientID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return transport.ErrNotOpen
	}
	return f.BindErr
}

// SendCommand records the call and echoes the line as sent.
func (f *Transport) SendCommand(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "SendCommand", Text: text})
	if !f.open {
		return transport.ErrNotOpen
	}
	if f.SendErr != nil {
		return f.SendErr
	}
	f.seq++
	f.emit(transport.Event{Kind: transport.LineSent, Text: fmt.Sprintf("C%d|%s", f.seq, text)})
	return nil
}

// Events returns the event channel.
func (f *Transport) Events() <-chan transport.Event {
	return f.events
}

// Receive pushes a received line.
func (f *Transport) Receive(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit(transport.Event{Kind: transport.LineReceived, Text: line})
}

// Drop simulates connection loss.
func (f *Transport) Drop(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.emit(transport.Event{Kind: transport.Closed, Err: err})
}

// emit must be called with f.mu held.
func (f *Transport) emit(ev transport.Event) {
	select {
	case f.events <- ev:
	default:
	}
}

// Calls returns a copy of the recorded calls.
func (f *Transport) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Methods returns the recorded method names in order.
func (f *Transport) Methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Method)
	}
	return out
}

// IsOpen reports whether a session is open.
func (f *Transport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// Reset clears recorded calls.
func (f *Transport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radio-control/xapi/internal/arbiter"
	"github.com/radio-control/xapi/internal/radio"
	"github.com/radio-control/xapi/internal/transport"
)

// Connect opens a session to the requested target. An active session is
// closed first; a request made while another attempt is in progress fails
// with ErrAlreadyInProgress.
//
// Connect blocks while the Decider is consulted. Failures are reported to
// the Observer once and returned as *ConnectError.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) error {
	var prev session
	err := m.call(func() error {
		switch m.s.phase {
		case PhaseIdle:
		case PhaseActive:
			prev = m.s
		default:
			return ErrAlreadyInProgress
		}
		m.gen++
		m.s = session{phase: PhaseDiscovering, gen: m.gen, mode: req.Mode}
		m.auto = nil
		m.publish()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyInProgress) {
			m.metrics.attempt("busy")
		}
		return err
	}

	if prev.handle != 0 {
		m.log.Info("closing active session before reconnect", zap.String("target", prev.target.ConnectionString()))
		if cerr := m.transport.Close(ctx, prev.handle, UserInitiated); cerr != nil && !errors.Is(cerr, transport.ErrNotOpen) {
			m.log.Warn("close failed", zap.Error(cerr))
		}
		_ = m.call(func() error {
			m.messages.Stop()
			m.metrics.setActive(false)
			return nil
		})
	}

	target, err := m.attempt(ctx, req)
	if err == nil {
		m.metrics.attempt("connected")
		return nil
	}

	cerr := &ConnectError{Target: target, Err: err}
	_ = m.call(func() error {
		m.s = session{}
		m.messages.Stop()
		m.publish()
		if silent(err) {
			m.log.Info("connect abandoned", zap.String("target", target), zap.Error(err))
			return nil
		}
		m.log.Error("connect failed", zap.String("target", target), zap.Error(err))
		m.observer.ConnectionState(false, target, cerr.Message())
		return nil
	})
	if silent(err) {
		m.metrics.attempt("cancelled")
	} else {
		m.metrics.attempt("failed")
	}
	return cerr
}

// attempt runs Discovering through Active and returns the target's
// connection string.
func (m *Manager) attempt(ctx context.Context, req ConnectRequest) (string, error) {
	res, err := m.resolve(ctx, req.Target)
	if err != nil {
		return req.Target.Identity, err
	}
	target := res.ConnectionString()
	mode := req.Mode
	pending := arbiter.None

	d := arbiter.Decide(mode, res)
	m.log.Info("occupancy decision",
		zap.String("target", target),
		zap.Stringer("mode", mode),
		zap.Stringer("key", d.Key),
		zap.Stringer("outcome", d.Outcome))

	switch d.Outcome {
	case arbiter.NoAction:
		return target, fmt.Errorf("%w: %s %s", ErrArbiterRefused, mode, d.Key)
	case arbiter.AskUser:
		opt, err := m.ask(ctx, Prompt{Kind: PromptOpen, Target: target, Message: d.Message, Options: d.Options}, PhaseDiscovering)
		if err != nil {
			return target, err
		}
		pending = opt.Pending()
		mode = opt.ModeFor(mode)
	}

	if err := m.setPhase(PhaseOpening, func(s *session) {
		s.target = res
		s.mode = mode
		m.messages.Start()
	}); err != nil {
		return target, err
	}

	var relayHandle string
	if res.Access == radio.AccessRelay {
		if m.relay == nil {
			return target, fmt.Errorf("%w: relay is not configured", ErrRelayValidationFailed)
		}
		relayHandle, err = m.relay.ValidateTarget(ctx, res)
		if err != nil {
			return target, fmt.Errorf("%w: %w", ErrRelayValidationFailed, err)
		}
	}

	if pending.Kind != arbiter.PendingNone {
		if err := m.evict(ctx, res, pending); err != nil {
			return target, err
		}
	}

	params := transport.OpenParams{
		Resource:    res,
		Station:     m.opts.Station,
		Program:     m.opts.Program,
		Mode:        mode,
		RelayHandle: relayHandle,
	}
	if mode == arbiter.Exclusive {
		params.ClientID = m.opts.ClientID
	}
	handle, err := m.transport.Open(ctx, params)
	if err != nil {
		return target, fmt.Errorf("%w: %w", ErrTransportOpenFailed, err)
	}

	var boundStation string
	if mode == arbiter.Shared && req.BindTo != "" {
		if err := m.setPhase(PhaseBinding, func(s *session) {
			if c, ok := clientByID(s.target, req.BindTo); ok {
				boundStation = c.Station
			}
		}); err != nil {
			return target, err
		}
		if err := m.transport.Bind(ctx, req.BindTo); err != nil {
			_ = m.transport.Close(context.WithoutCancel(ctx), handle, "bind failed")
			return target, fmt.Errorf("%w: bind %s: %w", ErrTransportOpenFailed, req.BindTo, err)
		}
	}

	err = m.call(func() error {
		if findTarget(m.resources, target) == nil {
			return ErrResourceGone
		}
		m.s.phase = PhaseActive
		m.s.handle = handle
		m.s.since = m.clock.Now()
		if req.BindTo != "" && mode == arbiter.Shared {
			m.s.boundID, m.s.boundStation = req.BindTo, boundStation
		}
		m.metrics.setActive(true)
		m.log.Info("session active",
			zap.String("target", target),
			zap.Stringer("handle", handle),
			zap.Stringer("mode", mode))
		m.observer.ConnectionState(true, target, "")
		m.publish()
		return nil
	})
	if err != nil {
		_ = m.transport.Close(context.WithoutCancel(ctx), handle, "Shutdown")
		return target, err
	}
	return target, nil
}

func (m *Manager) setPhase(p Phase, fn func(s *session)) error {
	return m.call(func() error {
		m.s.phase = p
		if fn != nil {
			fn(&m.s)
		}
		m.publish()
		return nil
	})
}

// resolve picks the resource for t from the current view.
func (m *Manager) resolve(ctx context.Context, t Target) (radio.Resource, error) {
	var resources []radio.Resource
	if err := m.call(func() error {
		resources = m.resources
		return nil
	}); err != nil {
		return radio.Resource{}, err
	}

	switch t.Kind {
	case TargetExplicit:
		if res := findTarget(resources, t.Identity); res != nil {
			return res.Clone(), nil
		}
		return radio.Resource{}, &NoMatchError{Requested: t.Identity}

	case TargetPicker:
		if len(resources) == 0 {
			return radio.Resource{}, ErrNoResourceFound
		}
		opt, err := m.ask(ctx, pickPrompt(resources), PhaseDiscovering)
		if err != nil {
			return radio.Resource{}, err
		}
		if res := findTarget(resources, opt.Target); res != nil {
			return res.Clone(), nil
		}
		return radio.Resource{}, &NoMatchError{Requested: opt.Target}

	default:
		if len(resources) == 0 {
			return radio.Resource{}, ErrNoResourceFound
		}
		return resources[0].Clone(), nil
	}
}

// ask parks the machine in AwaitingChoice until the Decider answers, then
// moves it to resume. Cancel, a Decider error, or an answer that is not one
// of the offered options yields ErrCancelled.
func (m *Manager) ask(ctx context.Context, p Prompt, resume Phase) (arbiter.Option, error) {
	if m.decider == nil {
		return arbiter.Option{}, fmt.Errorf("%w: no decider", ErrCancelled)
	}
	p.ID = uuid.NewString()
	if err := m.setPhase(PhaseAwaitingChoice, nil); err != nil {
		return arbiter.Option{}, err
	}
	m.log.Info("awaiting decision",
		zap.String("prompt", p.ID),
		zap.Stringer("kind", p.Kind),
		zap.String("target", p.Target),
		zap.Int("options", len(p.Options)))

	opt, err := m.decider.Decide(ctx, p)
	if err != nil {
		return arbiter.Option{}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if !offered(p.Options, opt) {
		return arbiter.Option{}, fmt.Errorf("%w: %q was not offered", ErrCancelled, opt.Label)
	}
	if opt.Action == arbiter.ActionCancel {
		return opt, ErrCancelled
	}
	m.log.Info("decision", zap.String("prompt", p.ID), zap.Stringer("action", opt.Action), zap.String("label", opt.Label))
	err = m.call(func() error {
		if m.s.phase != PhaseAwaitingChoice {
			return fmt.Errorf("%w: session ended while waiting", ErrCancelled)
		}
		m.s.phase = resume
		m.publish()
		return nil
	})
	if err != nil {
		return arbiter.Option{}, err
	}
	return opt, nil
}

func offered(options []arbiter.Option, opt arbiter.Option) bool {
	for _, o := range options {
		if o.Action == opt.Action && o.Handle == opt.Handle && o.Target == opt.Target {
			return true
		}
	}
	return false
}

// evict asks the resource to drop the pending occupant and waits, bounded by
// EvictionWait, for the registry to show it gone. A wait that times out is
// logged and the connect continues.
func (m *Manager) evict(ctx context.Context, res radio.Resource, pending arbiter.PendingDisconnect) error {
	w := &waiter{
		serial: res.Serial,
		access: res.Access,
		handle: pending.Handle,
		legacy: pending.Kind == arbiter.PendingCloseLegacy,
		done:   make(chan struct{}),
	}
	if err := m.call(func() error {
		m.waiters = append(m.waiters, w)
		return nil
	}); err != nil {
		return err
	}
	defer m.post(func() { m.dropWaiter(w) })

	target := pending.Handle
	if w.legacy {
		target = transport.EvictAll
	}
	m.metrics.eviction()
	m.log.Info("requesting eviction", zap.String("target", res.ConnectionString()), zap.Stringer("pending", pending))
	if err := m.transport.RequestEviction(ctx, res, target); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportEvictionFailed, err)
	}

	select {
	case <-w.done:
		m.log.Debug("eviction confirmed", zap.Stringer("pending", pending))
	case <-m.clock.After(m.opts.EvictionWait):
		m.log.Warn("eviction not confirmed, opening anyway",
			zap.Stringer("pending", pending),
			zap.Duration("waited", m.opts.EvictionWait))
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *Manager) dropWaiter(w *waiter) {
	for i, o := range m.waiters {
		if o == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

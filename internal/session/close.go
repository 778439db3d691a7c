package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/radio-control/xapi/internal/arbiter"
	"github.com/radio-control/xapi/internal/transport"
)

// Disconnect ends the active session. For UserInitiated (or an empty reason)
// on an exclusive session shared with other occupants, the Decider may
// choose to evict another occupant instead; the session then stays active.
func (m *Manager) Disconnect(ctx context.Context, reason string) error {
	if reason == "" {
		reason = UserInitiated
	}
	var s session
	err := m.call(func() error {
		switch m.s.phase {
		case PhaseActive:
		case PhaseIdle:
			return ErrNotActive
		default:
			return ErrAlreadyInProgress
		}
		s = m.s
		return nil
	})
	if err != nil {
		return err
	}

	if reason == UserInitiated {
		d := arbiter.DecideClose(s.mode, s.target, s.handle, m.opts.Program)
		if d.Outcome == arbiter.AskUser {
			opt, err := m.ask(ctx, Prompt{
				Kind:    PromptClose,
				Target:  s.target.ConnectionString(),
				Message: d.Message,
				Options: d.Options,
			}, PhaseActive)
			if err != nil {
				m.resumeActive(s.gen)
				return err
			}
			if opt.Action == arbiter.ActionEvict {
				m.metrics.eviction()
				m.log.Info("evicting occupant instead of closing", zap.Stringer("handle", opt.Handle), zap.String("station", opt.Station))
				if err := m.transport.RequestEviction(ctx, s.target, opt.Handle); err != nil {
					return fmt.Errorf("%w: %w", ErrTransportEvictionFailed, err)
				}
				return nil
			}
		}
	}

	proceed := false
	_ = m.call(func() error {
		if m.s.gen == s.gen && m.s.handle != 0 && m.s.phase != PhaseClosing {
			m.s.phase = PhaseClosing
			m.publish()
			proceed = true
		}
		return nil
	})
	if !proceed {
		// the session ended while the close prompt was open
		return nil
	}

	if err := m.transport.Close(ctx, s.handle, reason); err != nil && !errors.Is(err, transport.ErrNotOpen) {
		m.log.Warn("close failed", zap.Error(err))
	}
	_ = m.call(func() error {
		if m.s.gen == s.gen {
			m.finishClose(reason)
		}
		return nil
	})
	return nil
}

// resumeActive returns a parked close prompt to Active when the session it
// belongs to is still open.
func (m *Manager) resumeActive(gen uint64) {
	_ = m.call(func() error {
		if m.s.gen == gen && m.s.handle != 0 && m.s.phase == PhaseAwaitingChoice {
			m.s.phase = PhaseActive
			m.publish()
		}
		return nil
	})
}

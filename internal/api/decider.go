package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/radio-control/xapi/internal/arbiter"
	"github.com/radio-control/xapi/internal/session"
)

// DecisionNotifier is told about every prompt as it is raised.
type DecisionNotifier interface {
	Decision(v interface{})
}

// PendingDecision is a prompt waiting for an answer.
type PendingDecision struct {
	session.Prompt
	Raised time.Time `json:"raised"`
}

type pendingDecision struct {
	view     PendingDecision
	answer   chan arbiter.Option
	answered bool
}

// Decider is a session.Decider answered over HTTP. Decide blocks until
// Answer is called with the prompt's ID or the context ends.
type Decider struct {
	notify DecisionNotifier
	clock  clock.Clock
	log    *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingDecision
	order   []string
}

var _ session.Decider = (*Decider)(nil)

// NewDecider creates a Decider. notify, clk and log may be nil.
func NewDecider(notify DecisionNotifier, clk clock.Clock, log *zap.Logger) *Decider {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Decider{notify: notify, clock: clk, log: log, pending: make(map[string]*pendingDecision)}
}

func (d *Decider) Decide(ctx context.Context, p session.Prompt) (arbiter.Option, error) {
	pd := &pendingDecision{
		view:   PendingDecision{Prompt: p, Raised: d.clock.Now().UTC()},
		answer: make(chan arbiter.Option, 1),
	}
	d.mu.Lock()
	d.pending[p.ID] = pd
	d.order = append(d.order, p.ID)
	d.mu.Unlock()
	defer d.remove(p.ID)

	if d.notify != nil {
		d.notify.Decision(pd.view)
	}
	d.log.Info("decision pending", zap.String("id", p.ID), zap.Stringer("kind", p.Kind), zap.Int("options", len(p.Options)))

	select {
	case opt := <-pd.answer:
		return opt, nil
	case <-ctx.Done():
		return arbiter.Option{}, ctx.Err()
	}
}

// Pending returns the open prompts, oldest first.
func (d *Decider) Pending() []PendingDecision {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PendingDecision, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.pending[id].view)
	}
	return out
}

// Answer picks option index for the prompt id.
func (d *Decider) Answer(id string, index int) (arbiter.Option, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pd, ok := d.pending[id]
	if !ok {
		return arbiter.Option{}, fmt.Errorf("%w: %s", ErrDecisionNotFound, id)
	}
	if index < 0 || index >= len(pd.view.Options) {
		return arbiter.Option{}, fmt.Errorf("%w: %d of %d", ErrInvalidChoice, index, len(pd.view.Options))
	}
	if pd.answered {
		return arbiter.Option{}, ErrDecisionAnswered
	}
	pd.answered = true
	opt := pd.view.Options[index]
	pd.answer <- opt
	return opt, nil
}

func (d *Decider) remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, id)
	for i, o := range d.order {
		if o == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

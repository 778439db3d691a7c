package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/radio-control/xapi/internal/arbiter"
	"github.com/radio-control/xapi/internal/msglog"
	"github.com/radio-control/xapi/internal/radio"
	"github.com/radio-control/xapi/internal/transport"
)

// UserInitiated is the disconnect reason for an operator's own request.
// Observers are not told about user-initiated disconnects.
const UserInitiated = "User initiated"

// Phase is the session state machine position.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDiscovering
	PhaseAwaitingChoice
	PhaseOpening
	PhaseBinding
	PhaseActive
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseDiscovering:
		return "Discovering"
	case PhaseAwaitingChoice:
		return "AwaitingUserChoice"
	case PhaseOpening:
		return "Opening"
	case PhaseBinding:
		return "Binding"
	case PhaseActive:
		return "Active"
	case PhaseClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// TargetKind selects how Connect picks a resource.
type TargetKind int

const (
	TargetFirst TargetKind = iota
	TargetExplicit
	TargetPicker
)

// Target names the resource to connect to.
type Target struct {
	Kind TargetKind
	// Identity is a connection string for TargetExplicit.
	Identity string
}

// ParseTarget maps "" to the first available resource, "picker" to the
// interactive picker, and anything else to an explicit connection string.
func ParseTarget(s string) Target {
	switch s = strings.TrimSpace(s); strings.ToLower(s) {
	case "", "first":
		return Target{Kind: TargetFirst}
	case "picker":
		return Target{Kind: TargetPicker}
	default:
		return Target{Kind: TargetExplicit, Identity: s}
	}
}

// ConnectRequest is one connect intent.
type ConnectRequest struct {
	Target Target
	Mode   arbiter.Mode
	// BindTo is the client identity a shared session binds to once open.
	BindTo string
}

// Options configures a Manager.
type Options struct {
	Station  string
	Program  string
	ClientID string
	Mode     arbiter.Mode

	// DefaultConnection is connected to as soon as it is discovered.
	DefaultConnection string
	// ConnectToFirst connects to the first discovered resource when no
	// DefaultConnection is set.
	ConnectToFirst bool
	// PickOnStart asks the Decider to pick a resource when neither of the
	// above is set.
	PickOnStart bool

	// EvictionWait bounds the wait for an evicted occupant to disappear.
	EvictionWait time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		Station:      "xApi",
		Program:      "xApi",
		EvictionWait: 5 * time.Second,
	}
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Registry  Registry
	Transport transport.Transport
	Messages  *msglog.Log
	Decider   Decider
	Observer  Observer
	Relay     RelayValidator
	Metrics   *Metrics
}

// State is a read-only view of the session.
type State struct {
	Phase         Phase           `json:"phase"`
	Target        string          `json:"target,omitempty"`
	Resource      *radio.Resource `json:"resource,omitempty"`
	Handle        radio.Handle    `json:"handle,omitempty"`
	Mode          arbiter.Mode    `json:"mode"`
	BoundClientID string          `json:"boundClientId,omitempty"`
	BoundStation  string          `json:"boundStation,omitempty"`
	Since         time.Time       `json:"since,omitempty"`
}

// session is owned by the loop goroutine.
type session struct {
	phase        Phase
	gen          uint64
	target       radio.Resource
	handle       radio.Handle
	mode         arbiter.Mode
	boundID      string
	boundStation string
	since        time.Time
}

type waiter struct {
	serial string
	access radio.AccessPath
	handle radio.Handle
	legacy bool
	done   chan struct{}
}

// Manager owns the single session. Every mutation of session state runs on
// one loop goroutine; registry and transport events are read by that loop
// and public methods submit work to it.
type Manager struct {
	opts      Options
	log       *zap.Logger
	clock     clock.Clock
	registry  Registry
	transport transport.Transport
	messages  *msglog.Log
	decider   Decider
	observer  Observer
	relay     RelayValidator
	metrics   *Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	tasks    chan func()
	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup

	// loop-owned
	s           session
	gen         uint64
	resources   []radio.Resource
	waiters     []*waiter
	auto        *ConnectRequest
	regEvents   <-chan radio.Event
	unsubscribe func()

	viewMu  sync.RWMutex
	view    State
	history []string
}

// New creates a Manager. Zero option fields take their defaults.
func New(deps Deps, opts Options) *Manager {
	def := DefaultOptions()
	if opts.Station == "" {
		opts.Station = def.Station
	}
	if opts.Program == "" {
		opts.Program = def.Program
	}
	if opts.EvictionWait <= 0 {
		opts.EvictionWait = def.EvictionWait
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	observer := deps.Observer
	if observer == nil {
		observer = Observers{}
	}
	messages := deps.Messages
	if messages == nil {
		messages = msglog.New(msglog.Options{}, opts.Clock)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:      opts,
		log:       log.Named("session"),
		clock:     opts.Clock,
		registry:  deps.Registry,
		transport: deps.Transport,
		messages:  messages,
		decider:   deps.Decider,
		observer:  observer,
		relay:     deps.Relay,
		metrics:   deps.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(chan func(), 16),
		stop:      make(chan struct{}),
	}
}

// Start subscribes to the registry, starts the loop, and arms the start-up
// connection: DefaultConnection, else the first resource when
// ConnectToFirst is set, else the picker when PickOnStart is set.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}
	m.regEvents, m.unsubscribe = m.registry.Subscribe(64)
	m.resources = m.registry.Snapshot()

	switch {
	case m.opts.DefaultConnection != "":
		m.auto = &ConnectRequest{Target: Target{Kind: TargetExplicit, Identity: m.opts.DefaultConnection}, Mode: m.opts.Mode}
	case m.opts.ConnectToFirst:
		m.auto = &ConnectRequest{Target: Target{Kind: TargetFirst}, Mode: m.opts.Mode}
	case m.opts.PickOnStart && m.decider != nil:
		m.auto = &ConnectRequest{Target: Target{Kind: TargetPicker}, Mode: m.opts.Mode}
	}
	m.publish()

	m.wg.Add(1)
	go m.run()
	m.post(m.maybeAutoConnect)

	m.log.Info("session manager started",
		zap.String("station", m.opts.Station),
		zap.String("program", m.opts.Program),
		zap.Stringer("mode", m.opts.Mode))
	return nil
}

// Stop ends any active session and stops the loop.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.cancel()
		if !m.started.Load() {
			return
		}
		var s session
		_ = m.call(func() error {
			s = m.s
			return nil
		})
		if s.handle != 0 {
			if cerr := m.transport.Close(ctx, s.handle, "Shutdown"); cerr != nil && !errors.Is(cerr, transport.ErrNotOpen) {
				err = cerr
			}
		}
		close(m.stop)
		m.unsubscribe()
		m.wg.Wait()
		m.messages.Stop()
		m.metrics.setActive(false)
		m.log.Info("session manager stopped")
	})
	return err
}

func (m *Manager) run() {
	defer m.wg.Done()
	events := m.transport.Events()
	for {
		select {
		case fn := <-m.tasks:
			fn()
		case ev, ok := <-m.regEvents:
			if !ok {
				m.regEvents = nil
				continue
			}
			m.onRegistryEvent(ev)
		case ev := <-events:
			m.onTransportEvent(ev)
		case <-m.stop:
			return
		}
	}
}

// call runs fn on the loop and returns its result. It must not be called
// from the loop.
func (m *Manager) call(fn func() error) error {
	if !m.started.Load() {
		return ErrStopped
	}
	done := make(chan error, 1)
	select {
	case m.tasks <- func() { done <- fn() }:
	case <-m.stop:
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-m.stop:
		return ErrStopped
	}
}

// post queues fn on the loop without waiting.
func (m *Manager) post(fn func()) {
	select {
	case m.tasks <- fn:
	case <-m.stop:
	}
}

// spawn runs fn off the loop, tracked by Stop.
func (m *Manager) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *Manager) onTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.LineSent:
		m.metrics.line("sent")
		m.messages.Sent(ev.Text)
	case transport.LineReceived:
		m.metrics.line("received")
		if err := m.messages.Received(ev.Text); err != nil {
			m.log.Warn("malformed protocol line", zap.String("line", ev.Text))
		}
	case transport.Closed:
		if m.s.handle == 0 {
			return
		}
		reason := "Connection lost"
		if ev.Err != nil {
			reason += ": " + ev.Err.Error()
		}
		m.log.Warn("transport closed", zap.Stringer("handle", m.s.handle), zap.Error(ev.Err))
		m.finishClose(reason)
	}
}

func (m *Manager) onRegistryEvent(ev radio.Event) {
	m.resources = m.registry.Snapshot()
	m.notifyWaiters(ev)

	if m.s.handle != 0 && sameResource(ev.Resource, m.s.target) {
		if ev.Kind == radio.ResourceRemoved {
			if m.s.phase != PhaseClosing {
				m.log.Info("open resource removed",
					zap.String("target", m.s.target.ConnectionString()),
					zap.Stringer("phase", m.s.phase))
				m.teardown("Radio is no longer available")
			}
		} else {
			m.s.target = ev.Resource
			m.maybeRebind(ev)
		}
	}
	m.maybeAutoConnect()
	m.publish()
}

func sameResource(a, b radio.Resource) bool {
	return a.Serial == b.Serial && a.Access == b.Access
}

func (m *Manager) notifyWaiters(ev radio.Event) {
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		gone := false
		if ev.Resource.Serial == w.serial && ev.Resource.Access == w.access {
			switch {
			case ev.Kind == radio.ResourceRemoved:
				gone = true
			case w.legacy:
				gone = ev.Resource.Status == radio.StatusAvailable
			case ev.Kind == radio.OccupantRemoved:
				gone = ev.Handle == w.handle
			}
		}
		if gone {
			close(w.done)
			continue
		}
		kept = append(kept, w)
	}
	m.waiters = kept
}

// maybeRebind follows the bound station when it comes back with a new client
// identity.
func (m *Manager) maybeRebind(ev radio.Event) {
	if m.s.phase != PhaseActive || m.s.mode != arbiter.Shared || m.s.boundStation == "" {
		return
	}
	if ev.Kind != radio.OccupantAdded && ev.Kind != radio.OccupantUpdated {
		return
	}
	c, ok := ev.Resource.Client(ev.Handle)
	if !ok || c.Station != m.s.boundStation || c.ClientID == "" || c.ClientID == m.s.boundID {
		return
	}

	id, gen := c.ClientID, m.s.gen
	m.s.boundID = id
	m.log.Info("rebinding", zap.String("station", c.Station), zap.String("clientId", id))
	m.spawn(func() {
		if err := m.transport.Bind(m.ctx, id); err != nil {
			m.log.Warn("rebind failed", zap.String("clientId", id), zap.Error(err))
			return
		}
		m.post(func() {
			if m.s.gen == gen {
				m.publish()
			}
		})
	})
}

func (m *Manager) maybeAutoConnect() {
	if m.auto == nil || m.s.phase != PhaseIdle || len(m.resources) == 0 {
		return
	}
	req := *m.auto
	if req.Target.Kind == TargetExplicit && findTarget(m.resources, req.Target.Identity) == nil {
		return
	}
	m.auto = nil
	m.spawn(func() {
		if err := m.Connect(m.ctx, req); err != nil {
			m.log.Info("start-up connection not made", zap.Error(err))
		}
	})
}

func findTarget(resources []radio.Resource, identity string) *radio.Resource {
	serial, access, err := radio.ParseConnectionString(identity)
	if err != nil {
		return nil
	}
	for i := range resources {
		if resources[i].Serial == serial && resources[i].Access == access {
			return &resources[i]
		}
	}
	return nil
}

// teardown closes the active session off the loop for an upstream reason.
func (m *Manager) teardown(reason string) {
	h, gen := m.s.handle, m.s.gen
	m.s.phase = PhaseClosing
	m.spawn(func() {
		if err := m.transport.Close(m.ctx, h, reason); err != nil && !errors.Is(err, transport.ErrNotOpen) {
			m.log.Warn("close failed", zap.Error(err))
		}
		m.post(func() {
			if m.s.gen == gen {
				m.finishClose(reason)
			}
		})
	})
}

// finishClose returns the machine to Idle and forgets the client identities
// of the closed resource's occupants.
func (m *Manager) finishClose(reason string) {
	target := m.s.target.ConnectionString()
	if res := findTarget(m.resources, target); res != nil {
		m.forgetClientIDs(*res)
	}
	m.s = session{}
	m.messages.Stop()
	m.metrics.setActive(false)
	m.log.Info("session closed", zap.String("target", target), zap.String("reason", reason))
	if reason != UserInitiated {
		m.observer.DisconnectionState(reason)
	}
	m.publish()
}

// forgetClientIDs clears identities off the loop, since registry delivery
// feeds back into it.
func (m *Manager) forgetClientIDs(res radio.Resource) {
	var handles []radio.Handle
	for _, c := range res.Clients {
		if c.ClientID != "" {
			handles = append(handles, c.Handle)
		}
	}
	if len(handles) == 0 {
		return
	}
	m.spawn(func() {
		for _, h := range handles {
			m.registry.ClearClientID(res.Serial, res.Access, h)
		}
		m.log.Debug("client identities cleared", zap.String("target", res.ConnectionString()), zap.Int("count", len(handles)))
	})
}

// publish refreshes the read-only view. Loop only.
func (m *Manager) publish() {
	st := State{
		Phase:         m.s.phase,
		Handle:        m.s.handle,
		Mode:          m.s.mode,
		BoundClientID: m.s.boundID,
		BoundStation:  m.s.boundStation,
		Since:         m.s.since,
	}
	if m.s.target.Serial != "" {
		res := m.s.target.Clone()
		st.Target = res.ConnectionString()
		st.Resource = &res
	}
	m.viewMu.Lock()
	m.view = st
	m.viewMu.Unlock()
}

// State returns the current session view.
func (m *Manager) State() State {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.view
}

// History returns the commands submitted so far, oldest first.
func (m *Manager) History() []string {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	out := make([]string, len(m.history))
	copy(out, m.history)
	return out
}

// Resources returns the manager's current view of the registry.
func (m *Manager) Resources() []radio.Resource {
	return m.registry.Snapshot()
}

// Messages returns the protocol message log.
func (m *Manager) Messages() *msglog.Log {
	return m.messages
}

// SendCommand forwards text to the active session. Empty commands are
// rejected without touching the transport or the log. Only commands the
// transport accepted enter the history.
func (m *Manager) SendCommand(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyCommand
	}
	var target string
	err := m.call(func() error {
		if m.s.phase != PhaseActive {
			return ErrNotActive
		}
		target = m.s.target.ConnectionString()
		return nil
	})
	if err != nil {
		return err
	}
	if err := m.transport.SendCommand(ctx, text); err != nil {
		m.log.Warn("command not sent", zap.String("command", text), zap.Error(err))
		return err
	}
	return m.call(func() error {
		m.viewMu.Lock()
		if n := len(m.history); n == 0 || m.history[n-1] != text {
			m.history = append(m.history, text)
		}
		m.viewMu.Unlock()
		if co, ok := m.observer.(CommandObserver); ok {
			co.CommandSent(target, text)
		}
		return nil
	})
}

// Bind attaches the shared session to the occupant with clientID; an empty
// clientID removes the binding.
func (m *Manager) Bind(ctx context.Context, clientID string) error {
	var (
		gen     uint64
		station string
	)
	err := m.call(func() error {
		switch m.s.phase {
		case PhaseActive:
		case PhaseIdle:
			return ErrNotActive
		default:
			return ErrAlreadyInProgress
		}
		if m.s.mode != arbiter.Shared {
			return ErrNotShared
		}
		if clientID != "" {
			c, ok := clientByID(m.s.target, clientID)
			if !ok {
				return &NoMatchError{Requested: clientID}
			}
			station = c.Station
		}
		gen = m.s.gen
		m.s.phase = PhaseBinding
		m.publish()
		return nil
	})
	if err != nil {
		return err
	}

	berr := m.transport.Bind(ctx, clientID)
	_ = m.call(func() error {
		if m.s.gen != gen || m.s.phase != PhaseBinding {
			return nil
		}
		m.s.phase = PhaseActive
		if berr == nil {
			m.s.boundID, m.s.boundStation = clientID, station
		}
		m.publish()
		return nil
	})
	if berr != nil {
		m.log.Warn("bind failed", zap.String("clientId", clientID), zap.Error(berr))
		return berr
	}
	m.log.Info("bound", zap.String("clientId", clientID), zap.String("station", station))
	return nil
}

func clientByID(res radio.Resource, id string) (radio.Client, bool) {
	for _, c := range res.Clients {
		if c.ClientID == id {
			return c, true
		}
	}
	return radio.Client{}, false
}

// Package tcp implements transport.Transport over the resource's line-oriented
// TCP command port.
//
// After connecting, the resource sends "V<version>" and "H<handle>". Commands
// are written as "C<seq>|<text>" and answered with "R<seq>|<hex>|<message>".
// Every other line is pushed to Events unchanged.
package tcp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/radio-control/xapi/internal/arbiter"
	"github.com/radio-control/xapi/internal/radio"
	"github.com/radio-control/xapi/internal/transport"
)

// Options configures a Transport.
type Options struct {
	DialTimeout  time.Duration
	ReplyTimeout time.Duration
	// PingInterval is the keepalive period; zero disables pings.
	PingInterval time.Duration
	// Dial overrides the network dialer.
	Dial   func(ctx context.Context, network, addr string) (net.Conn, error)
	Clock  clock.Clock
	Logger *zap.Logger
}

// DefaultOptions returns the options used when fields are zero.
func DefaultOptions() Options {
	return Options{
		DialTimeout:  5 * time.Second,
		ReplyTimeout: 5 * time.Second,
		PingInterval: 5 * time.Second,
	}
}

type reply struct {
	hex string
	msg string
}

// conn is one TCP command connection.
type conn struct {
	nc      net.Conn
	addr    string
	writeMu sync.Mutex
	seq     atomic.Uint32

	pmu     sync.Mutex
	pending map[uint32]chan reply

	hello   chan radio.Handle
	done    chan struct{}
	closing atomic.Bool
}

// Transport is a TCP command connection to one resource at a time.
type Transport struct {
	opts   Options
	log    *zap.Logger
	events chan transport.Event

	mu   sync.Mutex
	conn *conn
}

var _ transport.Transport = (*Transport)(nil)

// New creates a Transport. Zero option fields take their defaults.
func New(opts Options) *Transport {
	def := DefaultOptions()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = def.ReplyTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: opts.DialTimeout}
		opts.Dial = d.DialContext
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		opts:   opts,
		log:    log.Named("tcp"),
		events: make(chan transport.Event, 1024),
	}
}

// Events returns the event channel.
func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

func (t *Transport) emit(ev transport.Event) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn("event dropped", zap.String("text", ev.Text))
	}
}

// Open connects, waits for the handle, and identifies this client.
func (t *Transport) Open(ctx context.Context, p transport.OpenParams) (radio.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return 0, fmt.Errorf("%w: session already open", transport.ErrRejected)
	}
	c, handle, err := t.dial(ctx, p.Resource.Address)
	if err != nil {
		return 0, err
	}

	var cmds []string
	if p.RelayHandle != "" {
		cmds = append(cmds, "wan validate handle="+p.RelayHandle)
	}
	if p.Mode == arbiter.Exclusive {
		cmds = append(cmds, strings.TrimSpace("client gui "+p.ClientID))
	}
	cmds = append(cmds, "client program "+p.Program)
	if p.Mode == arbiter.Exclusive && p.Station != "" {
		cmds = append(cmds, "client station "+p.Station)
	}
	for _, cmd := range cmds {
		if err := t.command(ctx, c, cmd, true); err != nil {
			t.shutdown(c)
			return 0, err
		}
	}

	t.conn = c
	if t.opts.PingInterval > 0 {
		go t.pingLoop(c)
	}
	t.log.Debug("session open", zap.String("addr", c.addr), zap.Stringer("handle", handle))
	return handle, nil
}

// Close ends the current session.
func (t *Transport) Close(ctx context.Context, handle radio.Handle, reason string) error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()

	if c == nil {
		return transport.ErrNotOpen
	}
	t.log.Debug("session close", zap.Stringer("handle", handle), zap.String("reason", reason))
	t.shutdown(c)

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestEviction sends "client disconnect" for target, over the current
// session when it is connected to res, otherwise over a short-lived one.
func (t *Transport) RequestEviction(ctx context.Context, res radio.Resource, target radio.Handle) error {
	cmd := "client disconnect"
	if target != transport.EvictAll {
		cmd = fmt.Sprintf("client disconnect 0x%08X", uint32(target))
	}

	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c != nil && c.addr == res.Address {
		return t.command(ctx, c, cmd, true)
	}

	c, _, err := t.dial(ctx, res.Address)
	if err != nil {
		return err
	}
	defer t.shutdown(c)
	return t.command(ctx, c, cmd, true)
}

// Bind attaches the session to the occupant with clientID, or unbinds.
func (t *Transport) Bind(ctx context.Context, clientID string) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	if clientID == "" {
		return t.command(ctx, c, "client unbind", true)
	}
	return t.command(ctx, c, "client bind client_id="+clientID, true)
}

// SendCommand writes text without waiting for its reply; the reply arrives
// on Events.
func (t *Transport) SendCommand(ctx context.Context, text string) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	return t.command(ctx, c, text, false)
}

func (t *Transport) current() (*conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, transport.ErrNotOpen
	}
	return t.conn, nil
}

func (t *Transport) dial(ctx context.Context, addr string) (*conn, radio.Handle, error) {
	if addr == "" {
		return nil, 0, fmt.Errorf("%w: resource has no address", transport.ErrUnavailable)
	}
	dctx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()

	nc, err := t.opts.Dial(dctx, "tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: dial %s: %v", transport.ErrUnavailable, addr, err)
	}
	c := &conn{
		nc:      nc,
		addr:    addr,
		pending: make(map[uint32]chan reply),
		hello:   make(chan radio.Handle, 1),
		done:    make(chan struct{}),
	}
	go t.readLoop(c)

	select {
	case h := <-c.hello:
		return c, h, nil
	case <-c.done:
		return nil, 0, fmt.Errorf("%w: %s closed before handshake", transport.ErrUnavailable, addr)
	case <-ctx.Done():
		t.shutdown(c)
		return nil, 0, ctx.Err()
	case <-t.opts.Clock.After(t.opts.ReplyTimeout):
		t.shutdown(c)
		return nil, 0, fmt.Errorf("%w: no handle from %s", transport.ErrUnavailable, addr)
	}
}

func (t *Transport) command(ctx context.Context, c *conn, text string, wait bool) error {
	seq := c.seq.Add(1)
	var ch chan reply
	if wait {
		ch = make(chan reply, 1)
		c.pmu.Lock()
		c.pending[seq] = ch
		c.pmu.Unlock()
		defer func() {
			c.pmu.Lock()
			delete(c.pending, seq)
			c.pmu.Unlock()
		}()
	}

	line := fmt.Sprintf("C%d|%s", seq, text)
	c.writeMu.Lock()
	_, err := c.nc.Write([]byte(line + "\n"))
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: write: %v", transport.ErrUnavailable, err)
	}
	t.emit(transport.Event{Kind: transport.LineSent, Text: line})
	if !wait {
		return nil
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return fmt.Errorf("%w: connection closed awaiting reply", transport.ErrUnavailable)
		}
		return transport.ReplyError(r.hex, r.msg)
	case <-c.done:
		return fmt.Errorf("%w: connection closed awaiting reply", transport.ErrUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	case <-t.opts.Clock.After(t.opts.ReplyTimeout):
		return fmt.Errorf("%w: no reply to %q", transport.ErrUnavailable, text)
	}
}

func (t *Transport) readLoop(c *conn) {
	defer func() {
		close(c.done)
		c.pmu.Lock()
		for seq, ch := range c.pending {
			close(ch)
			delete(c.pending, seq)
		}
		c.pmu.Unlock()
	}()

	sc := bufio.NewScanner(c.nc)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	helloSent := false
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		t.emit(transport.Event{Kind: transport.LineReceived, Text: line})
		if line == "" {
			continue
		}
		switch line[0] {
		case 'H':
			if !helloSent {
				if h, err := strconv.ParseUint(line[1:], 16, 32); err == nil {
					c.hello <- radio.Handle(h)
					helloSent = true
				}
			}
		case 'R':
			t.dispatchReply(c, line[1:])
		}
	}

	if c.closing.Load() {
		return
	}
	err := sc.Err()
	if err == nil {
		err = fmt.Errorf("%w: connection closed by resource", transport.ErrUnavailable)
	}
	t.mu.Lock()
	if t.conn == c {
		t.conn = nil
		t.mu.Unlock()
		t.emit(transport.Event{Kind: transport.Closed, Err: err})
		return
	}
	t.mu.Unlock()
}

func (t *Transport) dispatchReply(c *conn, suffix string) {
	parts := strings.SplitN(suffix, "|", 3)
	if len(parts) < 2 {
		return
	}
	seq, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return
	}
	r := reply{hex: parts[1]}
	if len(parts) == 3 {
		r.msg = parts[2]
	}
	c.pmu.Lock()
	ch, ok := c.pending[uint32(seq)]
	c.pmu.Unlock()
	if ok {
		select {
		case ch <- r:
		default:
		}
	}
}

func (t *Transport) pingLoop(c *conn) {
	ticker := t.opts.Clock.Ticker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.command(context.Background(), c, "ping", false); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (t *Transport) shutdown(c *conn) {
	c.closing.Store(true)
	_ = c.nc.Close()
}

// Package discovery listens for resource announcements and feeds them into
// the registry.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radio-control/xapi/internal/radio"
)

// Sink receives parsed announcements.
type Sink interface {
	Upsert(res radio.Resource)
	Expire(maxAge time.Duration) int
}

// Options configures a Listener.
type Options struct {
	// Listen is the UDP address to bind, e.g. ":4992".
	Listen string
	// StaleAfter removes resources that stop announcing; zero disables expiry.
	StaleAfter time.Duration
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Listener reads announcements from a UDP socket.
type Listener struct {
	sink Sink
	opts Options
	log  *zap.Logger
}

// New creates a Listener.
func New(sink Sink, opts Options) *Listener {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{sink: sink, opts: opts, log: log.Named("discovery")}
}

// Run binds the socket and processes announcements until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", l.opts.Listen)
	if err != nil {
		return fmt.Errorf("discovery listen %s: %w", l.opts.Listen, err)
	}
	l.log.Info("listening", zap.String("addr", pc.LocalAddr().String()))
	return l.Serve(ctx, pc)
}

// Serve processes announcements from pc until ctx is done. It closes pc.
func (l *Listener) Serve(ctx context.Context, pc net.PacketConn) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return pc.Close()
	})
	g.Go(func() error {
		return l.readLoop(gctx, pc)
	})
	if l.opts.StaleAfter > 0 {
		g.Go(func() error {
			return l.sweepLoop(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (l *Listener) readLoop(ctx context.Context, pc net.PacketConn) error {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		res, err := Parse(buf[:n], from)
		if err != nil {
			l.log.Debug("ignoring packet", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		l.sink.Upsert(res)
	}
}

func (l *Listener) sweepLoop(ctx context.Context) error {
	ticker := l.opts.Clock.Ticker(l.opts.StaleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := l.sink.Expire(l.opts.StaleAfter); n > 0 {
				l.log.Info("expired stale resources", zap.Int("count", n))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

package tcp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/radio-control/xapi/internal/arbiter"
	"github.com/radio-control/xapi/internal/radio"
	"github.com/radio-control/xapi/internal/radiosim"
	"github.com/radio-control/xapi/internal/transport"
	"github.com/radio-control/xapi/internal/transport/transporttest"
)

func startSim(t *testing.T, cfg radiosim.Config) *radiosim.Server {
	t.Helper()
	sim := radiosim.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, sim.Start())
	t.Cleanup(func() { _ = sim.Close() })
	return sim
}

func newTransport(t *testing.T) *Transport {
	return New(Options{ReplyTimeout: 2 * time.Second, Logger: zaptest.NewLogger(t)})
}

func TestTCPConformance(t *testing.T) {
	transporttest.RunConformance(t, "tcp", func(t *testing.T) (transport.Transport, radio.Resource) {
		sim := startSim(t, radiosim.DefaultConfig())
		return newTransport(t), sim.Resource()
	})
}

func TestOpenIdentifiesClient(t *testing.T) {
	sim := startSim(t, radiosim.DefaultConfig())
	tr := newTransport(t)
	ctx := context.Background()

	h, err := tr.Open(ctx, transport.OpenParams{
		Resource: sim.Resource(),
		Station:  "Desk",
		Program:  "xApi",
		ClientID: "abc",
		Mode:     arbiter.Exclusive,
	})
	require.NoError(t, err)
	defer tr.Close(ctx, h, "done")

	res := sim.Resource()
	require.Len(t, res.Clients, 1)
	assert.Equal(t, h, res.Clients[0].Handle)
	assert.Equal(t, "Desk", res.Clients[0].Station)
	assert.Equal(t, "xApi", res.Clients[0].Program)
	assert.Equal(t, "abc", res.Clients[0].ClientID)
}

func TestSharedOpenIsNotAnOccupant(t *testing.T) {
	sim := startSim(t, radiosim.DefaultConfig())
	tr := newTransport(t)
	ctx := context.Background()

	_, err := tr.Open(ctx, transport.OpenParams{Resource: sim.Resource(), Program: "xApi", Mode: arbiter.Shared})
	require.NoError(t, err)
	assert.Empty(t, sim.Resource().Clients)

	require.NoError(t, tr.Bind(ctx, ""))
	err = tr.Bind(ctx, "nobody")
	assert.ErrorIs(t, err, transport.ErrRejected)
}

func TestClientLimit(t *testing.T) {
	cfg := radiosim.DefaultConfig()
	cfg.MaxClients = 1
	sim := startSim(t, cfg)
	ctx := context.Background()

	first := newTransport(t)
	_, err := first.Open(ctx, transport.OpenParams{Resource: sim.Resource(), Program: "a", Mode: arbiter.Exclusive})
	require.NoError(t, err)

	second := newTransport(t)
	_, err = second.Open(ctx, transport.OpenParams{Resource: sim.Resource(), Program: "b", Mode: arbiter.Exclusive})
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrUnavailable)
	var pe *transport.ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "500000A1", pe.Hex)
}

func TestEvictionReportsClosed(t *testing.T) {
	sim := startSim(t, radiosim.DefaultConfig())
	ctx := context.Background()

	victim := newTransport(t)
	vh, err := victim.Open(ctx, transport.OpenParams{Resource: sim.Resource(), Program: "old", Mode: arbiter.Exclusive})
	require.NoError(t, err)

	evictor := newTransport(t)
	require.NoError(t, evictor.RequestEviction(ctx, sim.Resource(), vh))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-victim.Events():
			if ev.Kind == transport.Closed {
				assert.ErrorIs(t, ev.Err, transport.ErrUnavailable)
				assert.ErrorIs(t, victim.SendCommand(ctx, "info"), transport.ErrNotOpen)
				return
			}
		case <-deadline:
			t.Fatal("victim never saw Closed")
		}
	}
}

func TestSendCommandReplyArrivesAsEvent(t *testing.T) {
	sim := startSim(t, radiosim.DefaultConfig())
	tr := newTransport(t)
	ctx := context.Background()

	_, err := tr.Open(ctx, transport.OpenParams{Resource: sim.Resource(), Program: "xApi", Mode: arbiter.Shared})
	require.NoError(t, err)
	require.NoError(t, tr.SendCommand(ctx, "bogus"))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-tr.Events():
			if ev.Kind == transport.LineReceived && strings.Contains(ev.Text, "|50000015|") {
				return
			}
		case <-deadline:
			t.Fatal("no reply for unknown command")
		}
	}
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/radio-control/xapi/internal/discovery"
	"github.com/radio-control/xapi/internal/radio"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
)

// Message types on the relay connection.
const (
	MsgRegister       = "register"
	MsgRegistered     = "registered"
	MsgRegisterFailed = "register_failed"
	MsgRadio          = "radio"
	MsgRadioRemoved   = "radio_removed"
	MsgConnect        = "connect"
	MsgConnectReady   = "connect_ready"
	MsgConnectFailed  = "connect_failed"
	MsgTest           = "test"
	MsgTestResult     = "test_result"
)

// Message is one JSON frame on the relay connection. Radio carries a
// discovery announcement for MsgRadio.
type Message struct {
	Type      string `json:"type"`
	Serial    string `json:"serial,omitempty"`
	Program   string `json:"program,omitempty"`
	Token     string `json:"token,omitempty"`
	Handle    string `json:"handle,omitempty"`
	OK        bool   `json:"ok,omitempty"`
	Message   string `json:"message,omitempty"`
	Callsign  string `json:"callsign,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Radio     string `json:"radio,omitempty"`
}

// WSConfig configures the WebSocket broker client.
type WSConfig struct {
	URL            string
	RequestTimeout time.Duration
	// PingInterval of zero disables keepalive pings.
	PingInterval time.Duration
	Logger       *zap.Logger
}

// WSBroker is a Broker over a WebSocket connection carrying JSON frames.
type WSBroker struct {
	cfg     WSConfig
	log     *zap.Logger
	conn    *websocket.Conn
	handler Handler

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message
	closing bool

	done      chan struct{}
	closeOnce sync.Once
}

var _ Broker = (*WSBroker)(nil)

// NewWSDialer returns a Dialer that connects to cfg.URL.
func NewWSDialer(cfg WSConfig) Dialer {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return func(ctx context.Context, h Handler) (Broker, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("relay dial %s: %w", cfg.URL, err)
		}
		b := &WSBroker{
			cfg:     cfg,
			log:     cfg.Logger,
			conn:    conn,
			handler: h,
			pending: make(map[string]chan Message),
			done:    make(chan struct{}),
		}
		go b.readLoop()
		if cfg.PingInterval > 0 {
			go b.pingLoop()
		}
		return b, nil
	}
}

func (b *WSBroker) Register(ctx context.Context, program, idToken string) (Account, error) {
	m, err := b.request(ctx, Message{Type: MsgRegister, Program: program, Token: idToken}, MsgRegistered)
	if err != nil {
		return Account{}, err
	}
	if m.Type == MsgRegisterFailed {
		return Account{}, fmt.Errorf("%w: %s", ErrTokenRejected, m.Message)
	}
	return Account{Callsign: m.Callsign, FirstName: m.FirstName, LastName: m.LastName}, nil
}

func (b *WSBroker) Connect(ctx context.Context, serial string) (string, error) {
	m, err := b.request(ctx, Message{Type: MsgConnect, Serial: serial}, MsgConnect+":"+serial)
	if err != nil {
		return "", err
	}
	if m.Type == MsgConnectFailed {
		return "", fmt.Errorf("%w: %s", ErrValidationFailed, m.Message)
	}
	return m.Handle, nil
}

func (b *WSBroker) Test(ctx context.Context, serial string) (TestResult, error) {
	m, err := b.request(ctx, Message{Type: MsgTest, Serial: serial}, MsgTest+":"+serial)
	if err != nil {
		return TestResult{}, err
	}
	return TestResult{OK: m.OK, Message: m.Message}, nil
}

// Close ends the connection and fails pending requests.
func (b *WSBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closing = true
		b.mu.Unlock()

		b.writeMu.Lock()
		_ = b.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = b.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		b.writeMu.Unlock()
		err = b.conn.Close()
	})
	<-b.done
	return err
}

func (b *WSBroker) request(ctx context.Context, msg Message, key string) (Message, error) {
	ch := make(chan Message, 1)
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return Message{}, ErrBrokerClosed
	}
	if _, busy := b.pending[key]; busy {
		b.mu.Unlock()
		return Message{}, fmt.Errorf("relay request %s already pending", key)
	}
	b.pending[key] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if b.pending[key] == ch {
			delete(b.pending, key)
		}
		b.mu.Unlock()
	}()

	if err := b.write(msg); err != nil {
		return Message{}, err
	}

	timer := time.NewTimer(b.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case m := <-ch:
		return m, nil
	case <-b.done:
		return Message{}, ErrBrokerClosed
	case <-timer.C:
		return Message{}, fmt.Errorf("relay %s: no reply within %v", msg.Type, b.cfg.RequestTimeout)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (b *WSBroker) write(msg Message) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := b.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

func (b *WSBroker) readLoop() {
	defer close(b.done)
	if b.cfg.PingInterval > 0 {
		_ = b.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		b.conn.SetPongHandler(func(string) error {
			return b.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
	}
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			b.mu.Lock()
			closing := b.closing
			b.closing = true
			b.mu.Unlock()
			_ = b.conn.Close()
			if !closing {
				b.log.Warn("relay connection lost", zap.Error(err))
				if b.handler != nil {
					b.handler.BrokerClosed(fmt.Errorf("%w: %w", ErrBrokerClosed, err))
				}
			}
			return
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			b.log.Warn("malformed relay frame", zap.Error(err))
			continue
		}
		b.dispatch(m)
	}
}

func (b *WSBroker) dispatch(m Message) {
	switch m.Type {
	case MsgRadio:
		res, err := discovery.Parse([]byte(m.Radio), nil)
		if err != nil {
			b.log.Warn("bad relay radio announcement", zap.Error(err))
			return
		}
		res.Access = radio.AccessRelay
		if b.handler != nil {
			b.handler.ResourceAnnounced(res)
		}
	case MsgRadioRemoved:
		if b.handler != nil {
			b.handler.ResourceWithdrawn(m.Serial)
		}
	case MsgRegistered, MsgRegisterFailed:
		b.deliver(MsgRegistered, m)
	case MsgConnectReady, MsgConnectFailed:
		b.deliver(MsgConnect+":"+m.Serial, m)
	case MsgTestResult:
		b.deliver(MsgTest+":"+m.Serial, m)
	default:
		b.log.Debug("ignoring relay frame", zap.String("type", m.Type))
	}
}

func (b *WSBroker) deliver(key string, m Message) {
	b.mu.Lock()
	ch, ok := b.pending[key]
	b.mu.Unlock()
	if !ok {
		b.log.Debug("unsolicited relay reply", zap.String("type", m.Type), zap.String("serial", m.Serial))
		return
	}
	select {
	case ch <- m:
	default:
	}
}

func (b *WSBroker) pingLoop() {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.writeMu.Lock()
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := b.conn.WriteMessage(websocket.PingMessage, nil)
			b.writeMu.Unlock()
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				b.log.Debug("relay ping failed", zap.Error(err))
				return
			}
		}
	}
}

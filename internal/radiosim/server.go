// Package radiosim simulates a radio's command port and discovery
// announcements for local testing.
//
// Each TCP connection is greeted with "V<version>" and "H<handle>". Commands
// are processed in FIFO order by a single worker so occupancy changes are
// serialized the way a real resource serializes them.
package radiosim

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radio-control/xapi/internal/discovery"
	"github.com/radio-control/xapi/internal/radio"
)

// Config describes the simulated radio.
type Config struct {
	Serial   string
	Nickname string
	Model    string
	Version  string
	// Listen is the TCP command address, e.g. "127.0.0.1:0".
	Listen string
	// MaxClients bounds exclusive (gui) occupants.
	MaxClients int
	// Announce is the UDP address announcements are sent to; empty disables.
	Announce         string
	AnnounceInterval time.Duration
}

// DefaultConfig returns a current-generation radio on an ephemeral port.
func DefaultConfig() Config {
	return Config{
		Serial:           "1234-5678-9012-3456",
		Nickname:         "Simulator",
		Model:            "FLEX-6600",
		Version:          "3.2.39.1234",
		Listen:           "127.0.0.1:0",
		MaxClients:       2,
		AnnounceInterval: time.Second,
	}
}

type client struct {
	handle   radio.Handle
	conn     net.Conn
	writeMu  sync.Mutex
	gui      bool
	station  string
	program  string
	clientID string
	bound    string
}

func (c *client) send(line string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, _ = c.conn.Write([]byte(line + "\n"))
}

type command struct {
	from     *client
	seq      string
	text     string
	response chan string
}

// Server is a simulated radio.
type Server struct {
	cfg     Config
	log     *zap.Logger
	version radio.Version

	listener net.Listener

	mu         sync.RWMutex
	clients    map[radio.Handle]*client
	order      []radio.Handle
	nextHandle uint32
	onChange   []func(radio.Resource)

	commandQueue chan command
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// New creates a Server. Call Start or Run to serve.
func New(cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 2
	}
	return &Server{
		cfg:          cfg,
		log:          log.Named("radiosim"),
		version:      radio.ParseVersion(cfg.Version),
		clients:      make(map[radio.Handle]*client),
		nextHandle:   0x10000000,
		commandQueue: make(chan command, 100),
		stopChan:     make(chan struct{}),
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.log.Info("command port listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(2)
	go s.commandWorker()
	go s.acceptLoop()
	return nil
}

// Run starts the server, announces it until ctx is done, then stops it.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = s.Close()
		return nil
	})
	if s.cfg.Announce != "" {
		g.Go(func() error {
			return s.announceLoop(gctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Addr returns the command port address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// OnChange registers fn to receive the resource after every occupancy change.
func (s *Server) OnChange(fn func(radio.Resource)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Resource returns the radio as discovery would describe it.
func (s *Server) Resource() radio.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resourceLocked()
}

func (s *Server) resourceLocked() radio.Resource {
	res := radio.Resource{
		Serial:   s.cfg.Serial,
		Access:   radio.AccessLocal,
		Nickname: s.cfg.Nickname,
		Model:    s.cfg.Model,
		Address:  s.Addr(),
		Status:   radio.StatusAvailable,
		Version:  s.version,
	}
	gui := 0
	for _, h := range s.order {
		c := s.clients[h]
		if !c.gui {
			continue
		}
		gui++
		if s.version.IsCurrent() {
			res.Clients = append(res.Clients, radio.Client{
				Handle:   c.handle,
				Station:  c.station,
				Program:  c.program,
				ClientID: c.clientID,
			})
		}
	}
	if gui >= s.cfg.MaxClients || (!s.version.IsCurrent() && gui > 0) {
		res.Status = radio.StatusInUse
	}
	return res
}

// Close stops accepting, drops all connections, and waits for the worker.
func (s *Server) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.mu.Lock()
		for _, c := range s.clients {
			_ = c.conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	s.mu.Lock()
	s.nextHandle++
	c := &client{handle: radio.Handle(s.nextHandle), conn: conn}
	s.clients[c.handle] = c
	s.order = append(s.order, c.handle)
	s.mu.Unlock()

	c.send("V" + s.version.String())
	c.send(fmt.Sprintf("H%08X", uint32(c.handle)))

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "C") {
			continue
		}
		seq, text, ok := strings.Cut(line[1:], "|")
		if !ok {
			continue
		}
		cmd := command{from: c, seq: seq, text: text, response: make(chan string, 1)}
		select {
		case s.commandQueue <- cmd:
		case <-s.stopChan:
			return
		}
		select {
		case reply := <-cmd.response:
			c.send("R" + seq + "|" + reply)
		case <-s.stopChan:
			return
		}
	}
	s.disconnect(c.handle)
}

// commandWorker processes commands in FIFO order.
func (s *Server) commandWorker() {
	defer s.wg.Done()
	for {
		select {
		case cmd := <-s.commandQueue:
			cmd.response <- s.processCommand(cmd)
		case <-s.stopChan:
			return
		}
	}
}

func (s *Server) processCommand(cmd command) string {
	fields := strings.Fields(cmd.text)
	if len(fields) == 0 {
		return "50000015|empty command"
	}
	switch fields[0] {
	case "ping", "sub", "display", "keepalive":
		return "0|"
	case "info":
		return fmt.Sprintf("0|model=%q,chassis_serial=%q,name=%q", s.cfg.Model, s.cfg.Serial, s.cfg.Nickname)
	case "wan":
		return "0|"
	case "client":
		return s.clientCommand(cmd.from, fields[1:])
	}
	return "50000015|Unknown command"
}

func (s *Server) clientCommand(from *client, args []string) string {
	if len(args) == 0 {
		return "5000002C|"
	}
	switch args[0] {
	case "gui":
		s.mu.Lock()
		gui := 0
		for _, c := range s.clients {
			if c.gui && c != from {
				gui++
			}
		}
		if gui >= s.cfg.MaxClients || (!s.version.IsCurrent() && gui > 0) {
			s.mu.Unlock()
			return "500000A1|client limit reached"
		}
		from.gui = true
		if len(args) > 1 {
			from.clientID = args[1]
		} else {
			from.clientID = uuid.NewString()
		}
		id := from.clientID
		s.mu.Unlock()
		s.broadcastClient(from, "connected")
		s.changed()
		return "0|" + id

	case "program":
		s.mu.Lock()
		from.program = strings.Join(args[1:], " ")
		s.mu.Unlock()
		s.changed()
		return "0|"

	case "station":
		s.mu.Lock()
		from.station = strings.Join(args[1:], " ")
		s.mu.Unlock()
		s.changed()
		return "0|"

	case "bind":
		id := ""
		for _, a := range args[1:] {
			if v, ok := strings.CutPrefix(a, "client_id="); ok {
				id = v
			}
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.clients {
			if c.gui && c.clientID == id && id != "" {
				from.bound = id
				return "0|"
			}
		}
		return "500000A2|client not found"

	case "unbind":
		s.mu.Lock()
		from.bound = ""
		s.mu.Unlock()
		return "0|"

	case "disconnect":
		if len(args) == 1 {
			s.mu.RLock()
			var victims []*client
			for _, c := range s.clients {
				if c != from {
					victims = append(victims, c)
				}
			}
			s.mu.RUnlock()
			for _, c := range victims {
				_ = c.conn.Close()
			}
			return "0|"
		}
		h, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(args[1]), "0x"), 16, 32)
		if err != nil {
			return "5000002C|bad handle"
		}
		s.mu.RLock()
		victim, ok := s.clients[radio.Handle(h)]
		s.mu.RUnlock()
		if !ok {
			return "500000A2|client not found"
		}
		_ = victim.conn.Close()
		return "0|"
	}
	return "50000015|Unknown command"
}

func (s *Server) disconnect(h radio.Handle) {
	s.mu.Lock()
	c, ok := s.clients[h]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, h)
	for i, oh := range s.order {
		if oh == h {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	_ = c.conn.Close()
	if c.gui {
		s.broadcastClient(c, "disconnected")
	}
	s.changed()
}

func (s *Server) broadcastClient(c *client, state string) {
	line := fmt.Sprintf("S%08X|client 0x%08X %s", uint32(c.handle), uint32(c.handle), state)
	if state == "connected" {
		line += fmt.Sprintf(" client_id=%s program=%s station=%s", c.clientID, c.program, c.station)
	}
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, other := range s.clients {
		targets = append(targets, other)
	}
	s.mu.RUnlock()
	for _, t := range targets {
		t.send(line)
	}
}

func (s *Server) changed() {
	s.mu.RLock()
	res := s.resourceLocked()
	hooks := s.onChange
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(res.Clone())
	}
}

func (s *Server) announceLoop(ctx context.Context) error {
	conn, err := net.Dial("udp", s.cfg.Announce)
	if err != nil {
		return fmt.Errorf("announce dial %s: %w", s.cfg.Announce, err)
	}
	defer conn.Close()

	interval := s.cfg.AnnounceInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := conn.Write(discovery.Encode(s.Resource())); err != nil {
			s.log.Debug("announce failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

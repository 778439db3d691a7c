package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Actions recorded in the journal.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionCommand    = "command"
	ActionBind       = "bind"
	ActionRelayLogin = "relay_login"
	ActionRelayTest  = "relay_test"
)

// Outcome codes.
const (
	CodeSuccess = "SUCCESS"
	CodeError   = "ERROR"
)

// Entry is one journal line.
type Entry struct {
	Timestamp time.Time              `json:"ts"`
	Station   string                 `json:"station"`
	Target    string                 `json:"target,omitempty"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Outcome   string                 `json:"outcome"`
	Code      string                 `json:"code"`
}

// Logger appends entries to a size-rotated file.
type Logger struct {
	mu      sync.Mutex
	out     *lumberjack.Logger
	station string
	clock   clock.Clock
	log     *zap.Logger
}

// Options configures a Logger.
type Options struct {
	// Station is recorded as the acting operator on every entry.
	Station string
	// MaxSizeMB and MaxBackups default to 20 and 5.
	MaxSizeMB  int
	MaxBackups int
	Clock      clock.Clock
	Logger     *zap.Logger
}

// NewLogger opens the journal at path, creating its directory.
func NewLogger(path string, opts Options) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 20
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 5
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Logger{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		},
		station: opts.Station,
		clock:   opts.Clock,
		log:     opts.Logger,
	}, nil
}

// Path returns the journal file.
func (l *Logger) Path() string {
	return l.out.Filename
}

// Record appends e, filling in the timestamp and station.
func (l *Logger) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock.Now().UTC()
	}
	if e.Station == "" {
		e.Station = l.station
	}
	if e.Code == "" {
		e.Code = CodeSuccess
	}

	data, err := json.Marshal(e)
	if err != nil {
		l.log.Error("failed to marshal audit entry", zap.Error(err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(append(data, '\n')); err != nil {
		l.log.Error("failed to write audit entry", zap.Error(err))
	}
}

// Action records the result of an operation; a nil err is a success.
func (l *Logger) Action(action, target string, params map[string]interface{}, err error) {
	e := Entry{Action: action, Target: target, Params: params, Outcome: "ok"}
	if err != nil {
		e.Outcome = err.Error()
		e.Code = CodeError
	}
	l.Record(e)
}

// ConnectionState records a connect result.
func (l *Logger) ConnectionState(ok bool, target, message string) {
	e := Entry{Action: ActionConnect, Target: target, Outcome: "connected"}
	if !ok {
		e.Outcome, e.Code = message, CodeError
	}
	l.Record(e)
}

// DisconnectionState records a session that ended without being asked to.
func (l *Logger) DisconnectionState(reason string) {
	l.Record(Entry{Action: ActionDisconnect, Outcome: reason, Code: CodeError})
}

// CommandSent records an operator command.
func (l *Logger) CommandSent(target, text string) {
	l.Record(Entry{Action: ActionCommand, Target: target, Params: map[string]interface{}{"text": text}, Outcome: "sent"})
}

// RelayLoginState records relay login and logout.
func (l *Logger) RelayLoginState(loggedIn bool) {
	outcome := "logged_out"
	if loggedIn {
		outcome = "logged_in"
	}
	l.Record(Entry{Action: ActionRelayLogin, Outcome: outcome})
}

// RelayTestResult records a relay connectivity test.
func (l *Logger) RelayTestResult(ok bool, message string) {
	e := Entry{Action: ActionRelayTest, Outcome: message}
	if !ok {
		e.Code = CodeError
	}
	l.Record(e)
}

// Close closes the journal file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

package msglog

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrMalformedLine is returned for received lines that cannot be classified.
var ErrMalformedLine = errors.New("malformed protocol line")

// DefaultCapacity bounds the log when Options.Capacity is zero.
const DefaultCapacity = 10000

// Kind classifies an entry.
type Kind int

const (
	KindCommand Kind = iota
	KindHandle
	KindMessage
	KindReply
	KindStatus
	KindVersion
	KindError
)

var kindNames = [...]string{"command", "handle", "message", "reply", "status", "version", "error"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func kindOf(c byte) (Kind, bool) {
	switch c {
	case 'C':
		return KindCommand, true
	case 'H':
		return KindHandle, true
	case 'M':
		return KindMessage, true
	case 'R':
		return KindReply, true
	case 'S':
		return KindStatus, true
	case 'V':
		return KindVersion, true
	}
	return KindError, false
}

// Entry is one logged line.
type Entry struct {
	ID      int64         `json:"id"`
	Elapsed time.Duration `json:"elapsed"`
	Kind    Kind          `json:"kind"`
	Sent    bool          `json:"sent"`
	Text    string        `json:"text"`
}

// String renders the entry with its timestamp.
func (e Entry) String() string {
	return fmt.Sprintf("%8.3f %s", e.Elapsed.Seconds(), e.Text)
}

// Options controls which lines are kept.
type Options struct {
	ShowPings      bool
	ShowAllReplies bool
	Capacity       int
}

// Log is a bounded, concurrently readable list of entries.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	nextID   int64
	start    time.Time
	started  bool
	opts     Options
	clock    clock.Clock
	onAppend []func(Entry)
}

// New creates an empty log. A nil clock uses the wall clock.
func New(opts Options, clk clock.Clock) *Log {
	if clk == nil {
		clk = clock.New()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	return &Log{
		entries: make([]Entry, 0, 256),
		nextID:  1,
		opts:    opts,
		clock:   clk,
	}
}

// OnAppend registers fn to be called, outside the lock, for every new entry.
// It must be called before lines are logged.
func (l *Log) OnAppend(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAppend = append(l.onAppend, fn)
}

// Start resets the timestamp baseline to now.
func (l *Log) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.start = l.clock.Now()
	l.started = true
}

// Stop drops the baseline; lines are ignored until the next Start.
func (l *Log) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = false
}

// SetOptions replaces the display options. Capacity changes apply to later
// appends.
func (l *Log) SetOptions(opts Options) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if opts.Capacity <= 0 {
		opts.Capacity = l.opts.Capacity
	}
	l.opts = opts
}

// Options returns the current display options.
func (l *Log) Options() Options {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.opts
}

// Sent logs a line written to the resource. Pings are skipped unless
// ShowPings is set.
func (l *Log) Sent(text string) {
	l.mu.RLock()
	show := l.opts.ShowPings
	l.mu.RUnlock()
	if strings.HasSuffix(text, "|ping") && !show {
		return
	}
	kind := KindCommand
	if text != "" {
		if k, ok := kindOf(text[0]); ok {
			kind = k
		}
	}
	l.append(kind, true, text)
}

// Received logs a line read from the resource. Malformed lines are logged as
// error entries and reported with ErrMalformedLine.
func (l *Log) Received(text string) error {
	if text == "" {
		l.append(KindError, false, "ERROR: Empty Message")
		return fmt.Errorf("%w: empty line", ErrMalformedLine)
	}
	kind, ok := kindOf(text[0])
	if !ok {
		l.append(KindError, false, fmt.Sprintf("ERROR: Unknown Message, %c", text[0]))
		return fmt.Errorf("%w: %q", ErrMalformedLine, text)
	}
	if kind == KindReply {
		return l.reply(text[1:])
	}
	l.append(kind, false, text)
	return nil
}

// reply handles "<seq>|<hex>|<msg>[|<debug>]".
func (l *Log) reply(suffix string) error {
	parts := strings.Split(suffix, "|")
	if len(parts) < 2 {
		l.append(KindError, false, "ERROR: R"+suffix)
		return fmt.Errorf("%w: R%s", ErrMalformedLine, suffix)
	}
	l.mu.RLock()
	all := l.opts.ShowAllReplies
	l.mu.RUnlock()
	if all || parts[1] != "0" || (len(parts) >= 3 && parts[2] != "") {
		l.append(KindReply, false, "R"+suffix)
	}
	return nil
}

func (l *Log) append(kind Kind, sent bool, text string) {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	e := Entry{
		ID:      l.nextID,
		Elapsed: l.clock.Since(l.start),
		Kind:    kind,
		Sent:    sent,
		Text:    text,
	}
	l.nextID++
	l.entries = append(l.entries, e)
	if over := len(l.entries) - l.opts.Capacity; over > 0 {
		l.entries = l.entries[over:]
	}
	hooks := l.onAppend
	l.mu.Unlock()

	for _, fn := range hooks {
		fn(e)
	}
}

// Snapshot returns a copy of all entries.
func (l *Log) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// After returns entries with IDs greater than id.
func (l *Log) After(id int64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if e.ID > id {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear removes all entries. IDs keep increasing.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
}

package correlation

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingID      = errors.New("correlation: missing id")
	ErrNilConn        = errors.New("correlation: nil connection")
	ErrDuplicateID    = errors.New("correlation: duplicate id in flight")
	ErrConnRegistered = errors.New("correlation: connection already registered")
	ErrUnknownPolicy  = errors.New("correlation: unknown duplicate policy")
)

// Conn is the handle the table owns while an entry is live. Implementations
// must be comparable (net.Conn implementations are pointers).
type Conn interface {
	io.Writer
	Close() error
}

// DuplicatePolicy decides what Insert does when id is already live.
type DuplicatePolicy string

const (
	// PolicyReplace overwrites the live entry; the displaced connection is
	// no longer tracked and is left to its peer.
	PolicyReplace DuplicatePolicy = "replace"
	// PolicyReject refuses the newcomer with ErrDuplicateID.
	PolicyReject DuplicatePolicy = "reject"
)

func ParseDuplicatePolicy(raw string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyReplace:
		return PolicyReplace, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, raw)
	}
}

// Entry is one live id -> connection binding.
type Entry struct {
	ID           string
	Token        string
	Conn         Conn
	RegisteredAt time.Time
	Deadline     time.Time
}

// EntryInfo is a handle-free view of an Entry.
type EntryInfo struct {
	ID           string    `json:"id"`
	Token        string    `json:"token"`
	Remote       string    `json:"remote,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	Deadline     time.Time `json:"deadline,omitempty"`
}

// Registration is the outcome of Insert.
type Registration struct {
	Entry     Entry
	Displaced *Entry
}

type Options struct {
	Policy DuplicatePolicy

	// TTL bounds how long an entry may wait for its response; zero disables expiry.
	TTL time.Duration

	// Observe receives the table size after every mutation.
	Observe func(size int)

	Now func() time.Time
}

// Table is a mutex-guarded id -> connection map with a reverse index by connection.
type Table struct {
	mu     sync.Mutex
	opts   Options
	byID   map[string]Entry
	byConn map[Conn]string
}

func New(opts Options) *Table {
	if opts.Policy == "" {
		opts.Policy = PolicyReplace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Table{
		opts:   opts,
		byID:   make(map[string]Entry),
		byConn: make(map[Conn]string),
	}
}

func (t *Table) Policy() DuplicatePolicy {
	return t.opts.Policy
}

// Insert binds id to conn.
func (t *Table) Insert(id string, conn Conn) (Registration, error) {
	if strings.TrimSpace(id) == "" {
		return Registration{}, ErrMissingID
	}
	if conn == nil {
		return Registration{}, ErrNilConn
	}
	now := t.opts.Now()
	entry := Entry{
		ID:           id,
		Token:        uuid.NewString(),
		Conn:         conn,
		RegisteredAt: now,
	}
	if t.opts.TTL > 0 {
		entry.Deadline = now.Add(t.opts.TTL)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if prevID, ok := t.byConn[conn]; ok {
		return Registration{}, fmt.Errorf("%w: id=%q", ErrConnRegistered, prevID)
	}
	reg := Registration{Entry: entry}
	if prev, ok := t.byID[id]; ok {
		if t.opts.Policy == PolicyReject {
			return Registration{}, fmt.Errorf("%w: id=%q", ErrDuplicateID, id)
		}
		delete(t.byConn, prev.Conn)
		displaced := prev
		reg.Displaced = &displaced
	}
	t.byID[id] = entry
	t.byConn[conn] = id
	t.observeLocked()
	return reg, nil
}

// RemoveIfPresent atomically looks up and removes the entry for id.
func (t *Table) RemoveIfPresent(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.byID[id]
	if !ok {
		return Entry{}, false
	}
	t.removeLocked(entry)
	return entry, true
}

// RemoveByConnection removes the entry still bound to conn, if any. An id
// that has since been rebound to another connection is left alone.
func (t *Table) RemoveByConnection(conn Conn) (Entry, bool) {
	if conn == nil {
		return Entry{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byConn[conn]
	if !ok {
		return Entry{}, false
	}
	entry, ok := t.byID[id]
	if !ok || entry.Conn != conn {
		delete(t.byConn, conn)
		return Entry{}, false
	}
	t.removeLocked(entry)
	return entry, true
}

// Expire removes every entry whose deadline is at or before now.
func (t *Table) Expire(now time.Time) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Entry
	for _, entry := range t.byID {
		if entry.Deadline.IsZero() || now.Before(entry.Deadline) {
			continue
		}
		out = append(out, entry)
	}
	for _, entry := range out {
		t.removeLocked(entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Snapshot lists live entries ordered by id, without their handles.
func (t *Table) Snapshot() []EntryInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]EntryInfo, 0, len(t.byID))
	for _, entry := range t.byID {
		info := EntryInfo{
			ID:           entry.ID,
			Token:        entry.Token,
			RegisteredAt: entry.RegisteredAt,
			Deadline:     entry.Deadline,
		}
		if addr, ok := entry.Conn.(interface{ RemoteAddr() net.Addr }); ok && addr.RemoteAddr() != nil {
			info.Remote = addr.RemoteAddr().String()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *Table) removeLocked(entry Entry) {
	delete(t.byID, entry.ID)
	delete(t.byConn, entry.Conn)
	t.observeLocked()
}

func (t *Table) observeLocked() {
	if t.opts.Observe != nil {
		t.opts.Observe(len(t.byID))
	}
}

// Package varstore is a small in-process variable store. Producers publish
// values under named variables and may claim CALC (compute on read) and
// PRINT (render on request) notifications; consumers read values and print
// variables through the Store, which forwards requests to the owning client
// over the bus and blocks until the client completes them.
package varstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"ads7830-go/bus"
	"ads7830-go/errcode"
	"ads7830-go/x/timex"

	"github.com/google/uuid"
)

// Handle references one variable. Invalid is never assigned.
type Handle uint32

const Invalid Handle = 0

// NotifyKind is the class of a notification.
type NotifyKind uint8

const (
	NotifyCalc NotifyKind = iota + 1
	NotifyPrint
)

func (k NotifyKind) String() string {
	switch k {
	case NotifyCalc:
		return "calc"
	case NotifyPrint:
		return "print"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// SessionID identifies one print session.
type SessionID string

// Value is a variable snapshot.
type Value struct {
	Handle Handle `json:"handle"`
	Name   string `json:"name"`
	Value  uint16 `json:"value"`
	TSms   int64  `json:"ts_ms"`
}

// Notification is delivered to the owning client. It must be completed
// with Client.Complete once handled.
type Notification struct {
	Kind    NotifyKind
	Handle  Handle
	Session SessionID

	req *bus.Message
}

var (
	ErrNotFound    = errors.New("varstore: variable not found")
	ErrBadName     = errors.New("varstore: variable names must start with '/'")
	ErrOwned       = errors.New("varstore: notification already claimed")
	ErrNoSession   = errors.New("varstore: unknown print session")
	ErrSessionDone = errors.New("varstore: print session closed")
	ErrClosed      = errors.New("varstore: client closed")
)

const (
	defaultTimeout = 2 * time.Second
	queueLen       = 64
)

type variable struct {
	name   string
	value  uint16
	tsMs   int64
	owners map[NotifyKind]string // kind -> client id
}

// Store owns every variable. It is safe for concurrent use.
type Store struct {
	bus     *bus.Bus
	conn    *bus.Connection
	timeout time.Duration

	mu       sync.Mutex
	next     Handle
	byName   map[string]Handle
	vars     map[Handle]*variable
	sessions map[SessionID]*session
}

// New creates a store on b. timeout bounds CALC and PRINT round trips;
// zero selects two seconds.
func New(b *bus.Bus, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{
		bus:      b,
		conn:     b.NewConnection("varstore"),
		timeout:  timeout,
		byName:   map[string]Handle{},
		vars:     map[Handle]*variable{},
		sessions: map[SessionID]*session{},
	}
}

// Define creates a variable, or returns the existing handle.
func (s *Store) Define(name string) (Handle, error) {
	if !strings.HasPrefix(name, "/") {
		return Invalid, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.byName[name]; ok {
		return h, nil
	}
	s.next++
	h := s.next
	s.byName[name] = h
	s.vars[h] = &variable{name: name, owners: map[NotifyKind]string{}}
	return h, nil
}

// Lookup returns the current value without triggering a CALC.
func (s *Store) Lookup(name string) (Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byName[name]
	if !ok {
		return Value{}, ErrNotFound
	}
	return s.snapshotLocked(h), nil
}

// List returns every variable ordered by name.
func (s *Store) List() []Value {
	s.mu.Lock()
	out := make([]Value, 0, len(s.vars))
	for h := range s.vars {
		out = append(out, s.snapshotLocked(h))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get reads a variable. If a client owns its CALC notification the client
// is asked to refresh the value first and Get blocks until it completes.
func (s *Store) Get(ctx context.Context, name string) (Value, error) {
	h, owner, err := s.route(name, NotifyCalc)
	if err != nil {
		return Value{}, err
	}
	if owner != "" {
		if err := s.request(ctx, owner, Notification{Kind: NotifyCalc, Handle: h}); err != nil {
			return Value{}, errcode.Wrap(errcode.Of(err), "varstore: calc "+name, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(h), nil
}

// Print renders a variable to w. A PRINT owner writes through a print
// session; otherwise the plain value is printed.
func (s *Store) Print(ctx context.Context, name string, w io.Writer) error {
	h, owner, err := s.route(name, NotifyPrint)
	if err != nil {
		return err
	}
	if owner == "" {
		v, err := s.Lookup(name)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%d\n", v.Value)
		return err
	}

	id := SessionID(uuid.NewString())
	sess := &session{handle: h}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
	}()

	rerr := s.request(ctx, owner, Notification{Kind: NotifyPrint, Handle: h, Session: id})
	text := sess.finish()
	if rerr != nil {
		return errcode.Wrap(errcode.Of(rerr), "varstore: print "+name, rerr)
	}
	_, err = w.Write(text)
	return err
}

func (s *Store) route(name string, kind NotifyKind) (Handle, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byName[name]
	if !ok {
		return Invalid, "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return h, s.vars[h].owners[kind], nil
}

func (s *Store) request(ctx context.Context, owner string, n Notification) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	msg := s.conn.NewMessage(notifyTopic(owner), n, false)
	if _, err := s.conn.RequestWait(ctx, msg); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errcode.Wrap(errcode.Timeout, "", err)
		}
		return errcode.Wrap(errcode.StoreError, "", err)
	}
	return nil
}

func (s *Store) snapshotLocked(h Handle) Value {
	v := s.vars[h]
	return Value{Handle: h, Name: v.name, Value: v.value, TSms: v.tsMs}
}

func (s *Store) set(h Handle, val uint16) error {
	s.mu.Lock()
	v, ok := s.vars[h]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	v.value = val
	v.tsMs = timex.NowMs()
	snap := s.snapshotLocked(h)
	s.mu.Unlock()

	s.conn.Publish(s.conn.NewMessage(ValueTopic(h), snap, true))
	return nil
}

func (s *Store) claim(h Handle, kind NotifyKind, owner string) error {
	if kind != NotifyCalc && kind != NotifyPrint {
		return errcode.New(errcode.Unsupported, "varstore: notify", kind.String())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[h]
	if !ok {
		return ErrNotFound
	}
	if cur := v.owners[kind]; cur != "" && cur != owner {
		return ErrOwned
	}
	v.owners[kind] = owner
	return nil
}

func (s *Store) release(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.vars {
		for k, o := range v.owners {
			if o == owner {
				delete(v.owners, k)
			}
		}
	}
}

func notifyTopic(owner string) bus.Topic { return bus.T("varstore", "notify", owner) }

// ValueTopic is where every Set is published, retained.
func ValueTopic(h Handle) bus.Topic { return bus.T("var", h) }

// -----------------------------------------------------------------------------
// Print sessions
// -----------------------------------------------------------------------------

type session struct {
	mu     sync.Mutex
	handle Handle
	buf    bytes.Buffer
	opened bool
	done   bool
}

func (s *session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return 0, ErrSessionDone
	}
	return s.buf.Write(p)
}

// finish seals the session and returns what was written.
func (s *session) finish() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	return bytes.Clone(s.buf.Bytes())
}

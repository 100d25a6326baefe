package varstore

import (
	"fmt"
	"io"
	"sync"

	"ads7830-go/bus"
)

// Client is one producer's connection to the store. Notifications for
// variables the client claimed arrive on Notifications.
type Client struct {
	st   *Store
	conn *bus.Connection
	sub  *bus.Subscription
	out  chan Notification

	once sync.Once
	done chan struct{}
}

// Connect opens a client. id must be unique among live clients.
func (s *Store) Connect(id string) *Client {
	c := &Client{
		st:   s,
		conn: s.bus.NewConnection(id),
		out:  make(chan Notification, queueLen),
		done: make(chan struct{}),
	}
	c.sub = c.conn.Subscribe(notifyTopic(id))
	go c.pump()
	return c
}

func (c *Client) pump() {
	defer close(c.out)
	for msg := range c.sub.Channel() {
		n, ok := msg.Payload.(Notification)
		if !ok {
			continue
		}
		n.req = msg
		select {
		case c.out <- n:
		case <-c.done:
			return
		}
	}
}

// FindByName returns the handle of name, or Invalid.
func (c *Client) FindByName(name string) Handle {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.byName[name]
}

// Set stores a value and publishes it on ValueTopic.
func (c *Client) Set(h Handle, v uint16) error {
	if c.closed() {
		return ErrClosed
	}
	return c.st.set(h, v)
}

// Notify claims CALC or PRINT notifications for h.
func (c *Client) Notify(h Handle, kind NotifyKind) error {
	if c.closed() {
		return ErrClosed
	}
	return c.st.claim(h, kind, c.conn.ID())
}

// Notifications is closed once the client is closed.
func (c *Client) Notifications() <-chan Notification { return c.out }

// Complete tells the requester that n has been handled.
func (c *Client) Complete(n Notification) {
	if n.req != nil {
		c.conn.Reply(n.req, true, false)
	}
}

// OpenPrintSession returns the variable being printed in session id and a
// writer for its output. The writer is valid until ClosePrintSession.
func (c *Client) OpenPrintSession(id SessionID) (Handle, io.Writer, error) {
	c.st.mu.Lock()
	sess, ok := c.st.sessions[id]
	c.st.mu.Unlock()
	if !ok {
		return Invalid, nil, fmt.Errorf("%w: %s", ErrNoSession, id)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.opened || sess.done {
		return Invalid, nil, fmt.Errorf("%w: %s", ErrSessionDone, id)
	}
	sess.opened = true
	return sess.handle, sess, nil
}

// ClosePrintSession ends the session; further writes fail.
func (c *Client) ClosePrintSession(id SessionID, w io.Writer) error {
	sess, ok := w.(*session)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	sess.mu.Lock()
	sess.done = true
	sess.mu.Unlock()
	return nil
}

// Close releases every claim held by the client and closes its
// notification channel. It is safe to call more than once.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.st.release(c.conn.ID())
		c.conn.Disconnect()
	})
	return nil
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

package varstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ads7830-go/bus"
	"ads7830-go/errcode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, timeout time.Duration) (*Store, *bus.Bus) {
	t.Helper()
	b := bus.NewBus(16)
	return New(b, timeout), b
}

// serve answers notifications until the channel closes.
func serve(c *Client, handle func(Notification)) {
	go func() {
		for n := range c.Notifications() {
			handle(n)
			c.Complete(n)
		}
	}()
}

func TestDefine(t *testing.T) {
	s, _ := newStore(t, 0)

	h1, err := s.Define("/HW/ADC/A0")
	require.NoError(t, err)
	assert.NotEqual(t, Invalid, h1)

	again, err := s.Define("/HW/ADC/A0")
	require.NoError(t, err)
	assert.Equal(t, h1, again)

	h2, err := s.Define("/HW/ADC/A1")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	_, err = s.Define("HW/ADC/A2")
	assert.ErrorIs(t, err, ErrBadName)
}

func TestSetAndLookup(t *testing.T) {
	s, b := newStore(t, 0)
	h, _ := s.Define("/a")
	c := s.Connect("adc")
	defer c.Close()

	watch := b.NewConnection("watch").Subscribe(ValueTopic(h))

	require.NoError(t, c.Set(h, 200))
	v, err := s.Lookup("/a")
	require.NoError(t, err)
	assert.Equal(t, uint16(200), v.Value)
	assert.Equal(t, "/a", v.Name)
	assert.NotZero(t, v.TSms)

	select {
	case m := <-watch.Channel():
		assert.True(t, m.Retained)
		assert.Equal(t, uint16(200), m.Payload.(Value).Value)
	case <-time.After(time.Second):
		t.Fatal("no value published")
	}

	assert.ErrorIs(t, c.Set(Handle(99), 1), ErrNotFound)
	_, err = s.Lookup("/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindByName(t *testing.T) {
	s, _ := newStore(t, 0)
	h, _ := s.Define("/x")
	c := s.Connect("adc")
	defer c.Close()

	assert.Equal(t, h, c.FindByName("/x"))
	assert.Equal(t, Invalid, c.FindByName("/y"))
}

func TestGet_CalcRefreshesFirst(t *testing.T) {
	s, _ := newStore(t, time.Second)
	h, _ := s.Define("/a")
	c := s.Connect("adc")
	defer c.Close()
	require.NoError(t, c.Notify(h, NotifyCalc))

	serve(c, func(n Notification) {
		if n.Kind == NotifyCalc && n.Handle == h {
			_ = c.Set(h, 42)
		}
	})

	v, err := s.Get(context.Background(), "/a")
	require.NoError(t, err)
	assert.Equal(t, uint16(42), v.Value)
}

func TestGet_WithoutOwnerReturnsStored(t *testing.T) {
	s, _ := newStore(t, 0)
	h, _ := s.Define("/a")
	c := s.Connect("adc")
	defer c.Close()
	require.NoError(t, c.Set(h, 7))

	v, err := s.Get(context.Background(), "/a")
	require.NoError(t, err)
	assert.Equal(t, uint16(7), v.Value)
}

func TestGet_TimesOutWhenOwnerIsSilent(t *testing.T) {
	s, _ := newStore(t, 20*time.Millisecond)
	h, _ := s.Define("/a")
	c := s.Connect("adc")
	defer c.Close()
	require.NoError(t, c.Notify(h, NotifyCalc))

	_, err := s.Get(context.Background(), "/a")
	require.Error(t, err)
	assert.Equal(t, errcode.Timeout, errcode.Of(err))
}

func TestPrint_Session(t *testing.T) {
	s, _ := newStore(t, time.Second)
	info, _ := s.Define("/info")
	c := s.Connect("adc")
	defer c.Close()
	require.NoError(t, c.Notify(info, NotifyPrint))

	serve(c, func(n Notification) {
		if n.Kind != NotifyPrint {
			return
		}
		h, w, err := c.OpenPrintSession(n.Session)
		if err != nil || h != info {
			return
		}
		fmt.Fprint(w, "status line\n")
		_ = c.ClosePrintSession(n.Session, w)
	})

	var out bytes.Buffer
	require.NoError(t, s.Print(context.Background(), "/info", &out))
	assert.Equal(t, "status line\n", out.String())
}

func TestPrint_WithoutOwnerPrintsValue(t *testing.T) {
	s, _ := newStore(t, 0)
	h, _ := s.Define("/a")
	c := s.Connect("adc")
	defer c.Close()
	require.NoError(t, c.Set(h, 129))

	var out bytes.Buffer
	require.NoError(t, s.Print(context.Background(), "/a", &out))
	assert.Equal(t, "129\n", out.String())
}

func TestPrintSession_Errors(t *testing.T) {
	s, _ := newStore(t, 0)
	c := s.Connect("adc")
	defer c.Close()

	_, _, err := c.OpenPrintSession("nope")
	assert.ErrorIs(t, err, ErrNoSession)

	sess := &session{handle: 1}
	s.sessions["id"] = sess
	_, w, err := c.OpenPrintSession("id")
	require.NoError(t, err)
	_, _, err = c.OpenPrintSession("id")
	assert.ErrorIs(t, err, ErrSessionDone)

	require.NoError(t, c.ClosePrintSession("id", w))
	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrSessionDone)
}

func TestNotify_Claims(t *testing.T) {
	s, _ := newStore(t, 0)
	h, _ := s.Define("/a")
	a := s.Connect("a")
	b := s.Connect("b")
	defer b.Close()

	require.NoError(t, a.Notify(h, NotifyCalc))
	require.NoError(t, a.Notify(h, NotifyCalc))
	assert.ErrorIs(t, b.Notify(h, NotifyCalc), ErrOwned)
	assert.ErrorIs(t, a.Notify(Handle(50), NotifyCalc), ErrNotFound)

	err := a.Notify(h, NotifyKind(9))
	assert.Equal(t, errcode.Unsupported, errcode.Of(err))

	// Closing releases the claim.
	require.NoError(t, a.Close())
	require.NoError(t, b.Notify(h, NotifyCalc))
}

func TestClient_Close(t *testing.T) {
	s, _ := newStore(t, 0)
	h, _ := s.Define("/a")
	c := s.Connect("adc")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case _, ok := <-c.Notifications():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("notifications not closed")
	}
	assert.True(t, errors.Is(c.Set(h, 1), ErrClosed))
	assert.True(t, errors.Is(c.Notify(h, NotifyCalc), ErrClosed))
}

func TestList_SortedByName(t *testing.T) {
	s, _ := newStore(t, 0)
	_, _ = s.Define("/b")
	_, _ = s.Define("/a")
	_, _ = s.Define("/c")

	var names []string
	for _, v := range s.List() {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"/a", "/b", "/c"}, names)
}

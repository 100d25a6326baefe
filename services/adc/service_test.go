package adc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"syscall"
	"testing"
	"time"

	"ads7830-go/bus"
	"ads7830-go/errcode"
	"ads7830-go/services/adc/internal/platform"
	"ads7830-go/services/varstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cmdA0 = 0x84 // logical 0, mux 0
	cmdA1 = 0xC4 // logical 1, mux 4
)

type rig struct {
	svc   *Service
	store *varstore.Store
	host  *platform.HostI2C
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	st := varstore.New(bus.NewBus(64), time.Second)
	for _, name := range []string{"/a0", "/a1", DefaultInfo} {
		_, err := st.Define(name)
		require.NoError(t, err)
	}
	host := platform.NewHostI2C()
	svc, err := newService(cfg, st.Connect("ads7830"), quiet(), host.Open)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return &rig{svc: svc, store: st, host: host}
}

func twoChannels() Config {
	return Config{
		ConfigFile: "/etc/ads7830.json",
		Device:     "/dev/i2c-1",
		Channels: []ChannelConfig{
			{Index: 0, Var: "/a0"},
			{Index: 1, Var: "/a1", Interval: 100 * time.Millisecond},
		},
	}
}

func TestDispatch_TimerOutOfRange(t *testing.T) {
	r := newRig(t, twoChannels())
	for _, ch := range []int{9, -1, 8} {
		err := r.svc.Dispatch(Event{Kind: EventTimer, Channel: ch})
		assert.Equal(t, errcode.ChannelNotFound, errcode.Of(err), "channel %d", ch)
	}
	assert.Equal(t, Running, r.svc.State())
}

func TestDispatch_UnknownKind(t *testing.T) {
	r := newRig(t, twoChannels())
	for _, k := range []EventKind{0, 42} {
		err := r.svc.Dispatch(Event{Kind: k})
		assert.Equal(t, errcode.Unsupported, errcode.Of(err))
	}
	_, _, txs := r.host.Stats()
	assert.Zero(t, txs)
}

func TestDispatch_CalcUnknownHandle(t *testing.T) {
	r := newRig(t, twoChannels())
	err := r.svc.Dispatch(Event{Kind: EventCalc, Handle: varstore.Handle(77)})
	assert.Equal(t, errcode.ChannelNotFound, errcode.Of(err))

	err = r.svc.Dispatch(Event{Kind: EventCalc, Handle: varstore.Invalid})
	assert.Equal(t, errcode.ChannelNotFound, errcode.Of(err))
}

func TestDispatch_BusFailureLeavesValue(t *testing.T) {
	r := newRig(t, twoChannels())
	h, _ := r.store.Define("/a0")

	r.host.SetResponse(cmdA0, 10)
	require.NoError(t, r.svc.Dispatch(Event{Kind: EventCalc, Handle: h}))

	r.host.Fail(cmdA0, syscall.EIO)
	err := r.svc.Dispatch(Event{Kind: EventCalc, Handle: h})
	require.Error(t, err)
	assert.Equal(t, errcode.BusError, errcode.Of(err))
	assert.True(t, errors.Is(err, syscall.EIO))

	v, err := r.store.Lookup("/a0")
	require.NoError(t, err)
	assert.Equal(t, uint16(10), v.Value)

	st := r.svc.Stats()
	assert.Equal(t, uint64(1), st.Samples)
	assert.Equal(t, uint64(1), st.SampleErrors)

	// Per-transaction mode released both handles.
	opens, closes, _ := r.host.Stats()
	assert.Equal(t, opens, closes)
}

func TestDispatch_TimerSamplesChannel(t *testing.T) {
	r := newRig(t, twoChannels())
	r.host.SetResponse(cmdA1, 99)

	require.NoError(t, r.svc.Dispatch(Event{Kind: EventTimer, Channel: 1}))
	v, _ := r.store.Lookup("/a1")
	assert.Equal(t, uint16(99), v.Value)
	assert.Equal(t, []byte{cmdA1}, r.host.LastTx.W)
	assert.Equal(t, uint16(0x4b), r.host.LastTx.Addr)
}

func TestConfigure_Defects(t *testing.T) {
	cfg := twoChannels()
	cfg.Channels = append(cfg.Channels,
		ChannelConfig{Index: 2, Var: "/missing", Interval: time.Second},
		ChannelConfig{Index: 9, Var: "/a0"},
		ChannelConfig{Index: 0, Var: "/a1"},
	)
	r := newRig(t, cfg)

	// Only channel 1 owns a timer.
	assert.Equal(t, 1, r.svc.sched.Len())

	ch2, _ := r.svc.reg.LookupByIndex(2)
	assert.False(t, ch2.Configured())
	assert.Equal(t, varstore.Invalid, ch2.Handle)
	err := r.svc.Dispatch(Event{Kind: EventTimer, Channel: 2})
	assert.Equal(t, errcode.ChannelNotFound, errcode.Of(err))

	// The duplicate did not overwrite channel 0.
	ch0, _ := r.svc.reg.LookupByIndex(0)
	assert.Equal(t, "/a0", ch0.Name)
}

func TestNew_ExclusiveOpenFailureIsFatal(t *testing.T) {
	st := varstore.New(bus.NewBus(8), time.Second)
	host := platform.NewHostI2C()
	host.FailOpen(syscall.ENOENT)

	cfg := twoChannels()
	cfg.Exclusive = true
	_, err := newService(cfg, st.Connect("ads7830"), quiet(), host.Open)
	require.Error(t, err)
	assert.Equal(t, errcode.Fatal, errcode.Of(err))
	assert.True(t, errors.Is(err, syscall.ENOENT))
}

func TestExclusive_HoldsOneHandle(t *testing.T) {
	cfg := twoChannels()
	cfg.Exclusive = true
	r := newRig(t, cfg)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.svc.Dispatch(Event{Kind: EventTimer, Channel: 1}))
	}
	var buf bytes.Buffer
	require.NoError(t, r.svc.Render(&buf))

	opens, closes, txs := r.host.Stats()
	assert.Equal(t, 1, opens)
	assert.Zero(t, closes)
	assert.Equal(t, 5+8, txs)

	r.svc.Close()
	_, closes, _ = r.host.Stats()
	assert.Equal(t, 1, closes)
}

func TestRender_Header(t *testing.T) {
	r := newRig(t, twoChannels())
	r.host.SetResponse(cmdA1, 200)

	var buf bytes.Buffer
	require.NoError(t, r.svc.Render(&buf))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "ADS7830 Status:\nConfiguration File: /etc/ads7830.json\nDevice: /dev/i2c-1\nAddress: 0x4b\nExclusive: false\nVerbose: false\nChannels:\n"))
	assert.Contains(t, out, "\tA1: /a1  100 ms 200 2.59V\n")
	assert.Equal(t, 15, strings.Count(out, "\n"))

	// Render reads refresh the bank but do not publish.
	v, _ := r.store.Lookup("/a1")
	assert.Zero(t, v.Value)
}

func TestRun_EndToEnd(t *testing.T) {
	r := newRig(t, twoChannels())
	r.host.SetResponse(cmdA0, 50)
	r.host.SetResponse(cmdA1, 200)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.svc.Run(ctx) }()

	// On-demand read of channel 0 samples and publishes before returning.
	v, err := r.store.Get(ctx, "/a0")
	require.NoError(t, err)
	assert.Equal(t, uint16(50), v.Value)

	// Channel 1 is sampled by its timer without any request.
	require.Eventually(t, func() bool {
		v, err := r.store.Lookup("/a1")
		return err == nil && v.Value == 200
	}, 2*time.Second, 10*time.Millisecond)

	var out bytes.Buffer
	require.NoError(t, r.store.Print(ctx, DefaultInfo, &out))
	assert.Contains(t, out.String(), "\tA0: /a0 ------- 050 0.65V\n")
	assert.Contains(t, out.String(), "\tA1: /a1  100 ms 200 2.59V\n")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, ShuttingDown, r.svc.State())

	st := r.svc.Stats()
	assert.GreaterOrEqual(t, st.Calc, uint64(1))
	assert.GreaterOrEqual(t, st.Renders, uint64(1))
	opens, closes, _ := r.host.Stats()
	assert.Equal(t, opens, closes)
}

func TestRun_StoreLostIsFatal(t *testing.T) {
	st := varstore.New(bus.NewBus(8), time.Second)
	host := platform.NewHostI2C()
	client := st.Connect("ads7830")
	svc, err := newService(twoChannels(), client, quiet(), host.Open)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()
	require.NoError(t, client.Close())

	select {
	case err := <-done:
		assert.Equal(t, errcode.Fatal, errcode.Of(err))
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestEventOf(t *testing.T) {
	assert.Equal(t, Event{Kind: EventCalc, Handle: 3}, eventOf(varstore.Notification{Kind: varstore.NotifyCalc, Handle: 3}))
	assert.Equal(t, Event{Kind: EventPrint, Handle: 4, Session: "s"}, eventOf(varstore.Notification{Kind: varstore.NotifyPrint, Handle: 4, Session: "s"}))
	assert.Equal(t, EventKind(0), eventOf(varstore.Notification{Kind: 99}).Kind)
}

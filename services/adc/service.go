// Package adc is the ADS7830 acquisition service. A single goroutine owns
// the channel bank, the bus and the scheduler, and multiplexes timer
// expiries, CALC requests and PRINT requests from the variable store.
package adc

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"ads7830-go/drivers/ads7830"
	"ads7830-go/errcode"
	"ads7830-go/services/adc/internal/platform"
	"ads7830-go/services/adc/internal/registry"
	"ads7830-go/services/adc/internal/sched"
	"ads7830-go/services/adc/internal/status"
	"ads7830-go/services/varstore"
	"ads7830-go/x/strx"
)

// DefaultInfo is the variable rendered on PRINT requests.
const DefaultInfo = "/HW/ADS7830/INFO"

// Store is the part of the variable store the service depends on.
type Store interface {
	FindByName(name string) varstore.Handle
	Set(h varstore.Handle, v uint16) error
	Notify(h varstore.Handle, kind varstore.NotifyKind) error
	Notifications() <-chan varstore.Notification
	OpenPrintSession(id varstore.SessionID) (varstore.Handle, io.Writer, error)
	ClosePrintSession(id varstore.SessionID, w io.Writer) error
	Complete(n varstore.Notification)
	Close() error
}

// ChannelConfig describes one input. Interval 0 means on-demand.
type ChannelConfig struct {
	Index    int
	Var      string
	Interval time.Duration
}

// Config is the resolved service configuration.
type Config struct {
	ConfigFile string
	Device     string
	Backend    string
	Address    uint16
	Exclusive  bool
	Verbose    bool
	Info       string
	Channels   []ChannelConfig
}

// EventKind classifies dispatcher events by source.
type EventKind uint8

const (
	EventTimer EventKind = iota + 1
	EventCalc
	EventPrint
)

func (k EventKind) String() string {
	switch k {
	case EventTimer:
		return "timer"
	case EventCalc:
		return "calc"
	case EventPrint:
		return "print"
	default:
		return "unknown"
	}
}

// Event is one unit of work for the dispatcher.
type Event struct {
	Kind    EventKind
	Channel int             // EventTimer
	Handle  varstore.Handle // EventCalc, EventPrint
	Session varstore.SessionID
}

// State is the dispatcher state.
type State uint32

const (
	Running State = iota
	ShuttingDown
)

func (s State) String() string {
	if s == ShuttingDown {
		return "shutting-down"
	}
	return "running"
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Samples      uint64 `json:"samples"`
	SampleErrors uint64 `json:"sample_errors"`
	Calc         uint64 `json:"calc"`
	Renders      uint64 `json:"renders"`
	NotFound     uint64 `json:"not_found"`
	Unsupported  uint64 `json:"unsupported"`
}

type counters struct {
	samples, sampleErrs, calc, renders, notFound, unsupported atomic.Uint64
}

// Service is the acquisition engine. Only Run's goroutine may touch the
// bank, the bus and the scheduler once Run has started.
type Service struct {
	cfg Config
	st  Store
	log *slog.Logger

	bus   *platform.Bus
	dev   *ads7830.Device
	reg   *registry.Registry
	sched *sched.Scheduler
	info  varstore.Handle

	state atomic.Uint32
	n     counters
}

// New opens the bus and configures the bank. A bus open failure in
// exclusive mode is returned with errcode.Fatal.
func New(cfg Config, st Store, log *slog.Logger) (*Service, error) {
	return newService(cfg, st, log, nil)
}

func newService(cfg Config, st Store, log *slog.Logger, open platform.Opener) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Address == 0 {
		cfg.Address = ads7830.Address
	}
	cfg.Info = strx.Coalesce(cfg.Info, DefaultInfo)
	mode := platform.PerTransaction
	if cfg.Exclusive {
		mode = platform.Exclusive
	}

	var (
		b   *platform.Bus
		err error
	)
	if open != nil {
		b, err = platform.New(cfg.Device, mode, open)
	} else {
		b, err = platform.Open(platform.Config{Device: cfg.Device, Backend: cfg.Backend, Mode: mode})
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.Fatal, "adc: bus", err)
	}

	s := &Service{
		cfg:   cfg,
		st:    st,
		log:   log.With("component", "adc"),
		bus:   b,
		dev:   ads7830.New(b, cfg.Address),
		reg:   registry.New(),
		sched: sched.New(),
	}
	s.configure()
	return s, nil
}

// configure populates the bank once. Defective entries are logged and
// skipped; the remaining channels still come up.
func (s *Service) configure() {
	for _, cc := range s.cfg.Channels {
		d := registry.Descriptor{Index: cc.Index, Name: cc.Var, Interval: cc.Interval}
		ch, err := s.reg.Register(d, s.st.FindByName)
		if err != nil {
			s.log.Warn("channel skipped", "code", errcode.Of(err), "channel", cc.Index, "var", cc.Var, "err", err)
			continue
		}
		if ch.Mode == registry.Periodic {
			th, err := s.sched.CreatePeriodic(ch.Index, ch.Interval)
			if err != nil {
				s.log.Warn("timer not created", "code", errcode.Of(err), "channel", ch.Index, "err", err)
				continue
			}
			ch.Timer, ch.HasTimer = th, true
		} else if err := s.st.Notify(ch.Handle, varstore.NotifyCalc); err != nil {
			s.log.Warn("calc notification not registered", "channel", ch.Index, "var", ch.Name, "err", err)
		}
		s.log.Debug("channel configured", "channel", ch.Index, "var", ch.Name, "mode", ch.Mode.String(), "interval_ms", ch.IntervalMs())
	}

	s.info = s.st.FindByName(s.cfg.Info)
	if s.info == varstore.Invalid {
		s.log.Warn("info variable not found, status rendering disabled", "var", s.cfg.Info)
		return
	}
	if err := s.st.Notify(s.info, varstore.NotifyPrint); err != nil {
		s.log.Warn("print notification not registered", "var", s.cfg.Info, "err", err)
	}
}

// Run dispatches events until ctx is cancelled or the store connection is
// lost, then releases the scheduler, the store connection and the bus.
func (s *Service) Run(ctx context.Context) error {
	defer s.shutdown()
	s.log.Info("running", "device", s.cfg.Device, "address", "0x"+strconv.FormatUint(uint64(s.cfg.Address), 16), "mode", s.bus.Mode().String())

	notes := s.st.Notifications()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.sched.C():
			for _, ch := range s.sched.Expired() {
				s.report(Event{Kind: EventTimer, Channel: ch}, s.Dispatch(Event{Kind: EventTimer, Channel: ch}))
			}
		case n, ok := <-notes:
			if !ok {
				return errcode.New(errcode.Fatal, "adc: run", "store connection lost")
			}
			ev := eventOf(n)
			s.report(ev, s.Dispatch(ev))
			// The requester stays blocked until the value is published.
			s.st.Complete(n)
		}
	}
}

func eventOf(n varstore.Notification) Event {
	switch n.Kind {
	case varstore.NotifyCalc:
		return Event{Kind: EventCalc, Handle: n.Handle}
	case varstore.NotifyPrint:
		return Event{Kind: EventPrint, Handle: n.Handle, Session: n.Session}
	default:
		return Event{Handle: n.Handle}
	}
}

// Dispatch handles one event synchronously.
func (s *Service) Dispatch(ev Event) error {
	switch ev.Kind {
	case EventTimer:
		ch, ok := s.reg.LookupByIndex(ev.Channel)
		if !ok {
			return errcode.New(errcode.ChannelNotFound, "adc: timer", "channel "+strconv.Itoa(ev.Channel))
		}
		return s.sample(ch)

	case EventCalc:
		s.n.calc.Add(1)
		i, ok := s.reg.LookupByHandle(ev.Handle)
		if !ok {
			return errcode.New(errcode.ChannelNotFound, "adc: calc", "handle "+strconv.FormatUint(uint64(ev.Handle), 10))
		}
		ch, _ := s.reg.LookupByIndex(i)
		return s.sample(ch)

	case EventPrint:
		_, w, err := s.st.OpenPrintSession(ev.Session)
		if err != nil {
			return errcode.Wrap(errcode.StoreError, "adc: print", err)
		}
		rerr := s.Render(w)
		cerr := s.st.ClosePrintSession(ev.Session, w)
		if rerr != nil {
			return errcode.Wrap(errcode.StoreError, "adc: print", rerr)
		}
		return errcode.Wrap(errcode.StoreError, "adc: print", cerr)

	default:
		return errcode.New(errcode.Unsupported, "adc: dispatch", "event "+ev.Kind.String())
	}
}

// sample reads ch and publishes the value. A failed read leaves LastRaw
// and the published value untouched.
func (s *Service) sample(ch *registry.Channel) error {
	if !ch.Configured() {
		return errcode.New(errcode.ChannelNotFound, "adc: sample", "channel "+strconv.Itoa(ch.Index)+" not configured")
	}
	raw, err := s.dev.Read(ch.Index)
	if err != nil {
		s.n.sampleErrs.Add(1)
		return err
	}
	ch.LastRaw = raw
	s.n.samples.Add(1)
	if err := s.st.Set(ch.Handle, uint16(raw)); err != nil {
		return errcode.Wrap(errcode.StoreError, "adc: publish "+ch.Name, err)
	}
	return nil
}

// Render writes the status report to w. It reads every channel and must
// only be called from the goroutine that owns the service.
func (s *Service) Render(w io.Writer) error {
	s.n.renders.Add(1)
	return status.Render(w, s.header(), s.reg, s.dev)
}

func (s *Service) header() status.Header {
	return status.Header{
		ConfigFile: s.cfg.ConfigFile,
		Device:     s.cfg.Device,
		Address:    s.cfg.Address,
		Exclusive:  s.cfg.Exclusive,
		Verbose:    s.cfg.Verbose,
	}
}

func (s *Service) report(ev Event, err error) {
	if err == nil {
		return
	}
	code := errcode.Of(err)
	switch code {
	case errcode.ChannelNotFound:
		s.n.notFound.Add(1)
	case errcode.Unsupported:
		s.n.unsupported.Add(1)
	}
	s.log.Warn("dispatch failed", "code", code, "event", ev.Kind.String(), "channel", ev.Channel, "handle", ev.Handle, "err", err)
}

func (s *Service) shutdown() {
	s.state.Store(uint32(ShuttingDown))
	s.sched.Stop()
	if err := s.st.Close(); err != nil {
		s.log.Warn("store close", "err", err)
	}
	if err := s.bus.Close(); err != nil {
		s.log.Warn("bus close", "err", err)
	}
	s.log.Info("stopped")
}

// Close releases resources of a service that never ran.
func (s *Service) Close() {
	if s.State() == Running {
		s.shutdown()
	}
}

// State reports the dispatcher state.
func (s *Service) State() State { return State(s.state.Load()) }

// Stats returns a snapshot of the counters. Safe from any goroutine.
func (s *Service) Stats() Stats {
	return Stats{
		Samples:      s.n.samples.Load(),
		SampleErrors: s.n.sampleErrs.Load(),
		Calc:         s.n.calc.Load(),
		Renders:      s.n.renders.Load(),
		NotFound:     s.n.notFound.Load(),
		Unsupported:  s.n.unsupported.Load(),
	}
}

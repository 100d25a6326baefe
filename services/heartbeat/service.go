package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"ads7830-go/bus"
	"ads7830-go/services/adc"
	"ads7830-go/services/config"
)

var topicConfigHeartbeat = bus.T(config.Prefix, "heartbeat")

// Source supplies the counters to report.
type Source interface {
	Stats() adc.Stats
}

// Service periodically logs dispatcher counters. The interval follows the
// retained config/heartbeat section; zero disables the heartbeat.
type Service struct {
	src  Source
	log  *slog.Logger
	unit time.Duration // one configured interval step
}

func New(src Source, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{src: src, log: log.With("component", "heartbeat"), unit: time.Second}
}

// Run blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfigHeartbeat)
	defer conn.Unsubscribe(cfgSub)

	var (
		tick *time.Ticker
		tc   <-chan time.Time
	)
	stop := func() {
		if tick != nil {
			tick.Stop()
			tick, tc = nil, nil
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("heartbeat stopping")
			return
		case <-tc:
			s.beat()
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			hc, ok := msg.Payload.(config.HeartbeatConfig)
			if !ok {
				continue
			}
			stop()
			if hc.Interval > 0 {
				tick = time.NewTicker(time.Duration(hc.Interval) * s.unit)
				tc = tick.C
			}
			s.log.Debug("heartbeat interval set", "interval", time.Duration(hc.Interval)*s.unit)
		}
	}
}

func (s *Service) beat() {
	st := s.src.Stats()
	s.log.Info("heartbeat",
		"samples", st.Samples,
		"sample_errors", st.SampleErrors,
		"calc", st.Calc,
		"renders", st.Renders,
		"not_found", st.NotFound,
		"unsupported", st.Unsupported,
	)
}

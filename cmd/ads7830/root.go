package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"ads7830-go/bus"
	"ads7830-go/errcode"
	"ads7830-go/services/adc"
	"ads7830-go/services/bridge"
	"ads7830-go/services/config"
	"ads7830-go/services/heartbeat"
	"ads7830-go/services/varstore"

	"github.com/spf13/cobra"
)

const busQueueLen = 64

type options struct {
	verbose bool
	output  bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "ads7830 [-v] [-o] [-h] <config-file>",
		Short: "ADS7830 ADC server",
		Long: `ads7830 samples the inputs of an ADS7830 8-channel ADC over I2C and
publishes each one as a variable. Channels with an interval are sampled
periodically; the others are read when their variable is read.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, args[0], opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	cmd.Flags().BoolVarP(&opts.output, "output", "o", false, "output the status once configured")
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd
}

func run(ctx context.Context, path string, opts options, stdout, stderr io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
	log := initLogger(cfg.Logging, stderr)
	log.Info("starting", "config", path)
	log.Debug("configuration loaded", "device", cfg.Device, "backend", cfg.Backend, "channels", len(cfg.Channels))
	if opts.verbose {
		if err := cfg.Encode(stdout); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
	}

	b := bus.NewBus(busQueueLen)
	store := varstore.New(b, cfg.StoreTimeout())
	cfg.Publish(b.NewConnection("config"))

	svcCfg := adc.Config{
		ConfigFile: path,
		Device:     cfg.Device,
		Backend:    cfg.Backend,
		Address:    uint16(cfg.Address),
		Exclusive:  bool(cfg.Exclusive),
		Verbose:    opts.verbose,
		Info:       cfg.Info,
	}
	if _, err := store.Define(cfg.Info); err != nil {
		log.Warn("info variable not defined", "var", cfg.Info, "err", err)
	}
	for i, ch := range cfg.Channels {
		if err := ch.Validate(); err != nil {
			log.Warn("channel skipped", "code", errcode.ConfigDefect, "entry", i, "err", err)
			continue
		}
		if _, err := store.Define(ch.Var); err != nil {
			log.Warn("channel skipped", "code", errcode.ConfigDefect, "entry", i, "var", ch.Var, "err", err)
			continue
		}
		idx, _ := ch.Index()
		svcCfg.Channels = append(svcCfg.Channels, adc.ChannelConfig{Index: idx, Var: ch.Var, Interval: ch.IntervalDuration()})
	}

	client := store.Connect("ads7830")
	svc, err := adc.New(svcCfg, client, log)
	if err != nil {
		_ = client.Close()
		log.Error("startup failed", "code", errcode.Of(err), "err", err)
		return err
	}
	if opts.output {
		if err := svc.Render(stdout); err != nil {
			log.Warn("status output failed", "err", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	hb := heartbeat.New(svc, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		hb.Run(ctx, b.NewConnection("heartbeat"))
	}()

	if cfg.HTTP.Listen != "" {
		br := bridge.New(b.NewConnection("bridge"), store, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := br.Serve(ctx, cfg.HTTP.Listen); err != nil {
				log.Warn("bridge stopped", "err", err)
			}
		}()
	}

	err = svc.Run(ctx)
	cancel()
	wg.Wait()
	if err != nil {
		log.Error("terminated", "code", errcode.Of(err), "err", err)
	}
	return err
}

func initLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

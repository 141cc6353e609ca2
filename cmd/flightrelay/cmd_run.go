package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dratasich/flightrelay/config"
	"github.com/dratasich/flightrelay/dispatch"
	"github.com/dratasich/flightrelay/ingest"
	"github.com/dratasich/flightrelay/notify"
	"github.com/dratasich/flightrelay/sink"
	"github.com/dratasich/flightrelay/tbmqtt"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// newRunCmd creates the "flightrelay run" subcommand: dispatcher and
// ingestor in one process.
func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Dispatch commands and ingest telemetry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := errors.Join(a.cfg.ValidateCommand(), a.cfg.ValidateTelemetry()); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runRelay(cmd.Context(), a.cfg, true, true)
		},
	}
}

// newSendCmd creates the "flightrelay send" subcommand (dispatcher only).
func newSendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send",
		Short: "Watch the command file and send new commands to the vehicle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.ValidateCommand(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runRelay(cmd.Context(), a.cfg, true, false)
		},
	}
}

// newServeCmd creates the "flightrelay serve" subcommand (ingestor only).
func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Receive telemetry datagrams and persist them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.ValidateTelemetry(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runRelay(cmd.Context(), a.cfg, false, true)
		},
	}
}

// runRelay sets up every enabled component first, so that resource errors
// (bind failures, unreadable sinks) abort before anything runs, then runs
// them until ctx is done.
func runRelay(ctx context.Context, cfg config.Config, withDispatcher, withIngestor bool) error {
	var loops []func(context.Context)
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	if withDispatcher {
		loop, closer, err := setupDispatcher(ctx, cfg)
		if err != nil {
			return err
		}
		loops = append(loops, loop)
		closers = append(closers, closer)
	}
	if withIngestor {
		loop, closer, err := setupIngestor(ctx, cfg)
		if err != nil {
			return err
		}
		loops = append(loops, loop)
		closers = append(closers, closer)
	}

	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func(loop func(context.Context)) {
			defer wg.Done()
			loop(ctx)
		}(loop)
	}
	wg.Wait()
	return nil
}

func commandSource(cfg config.Command) notify.Source {
	poll := notify.PollSource{Interval: cfg.PollInterval}
	if cfg.Notifier == "poll" {
		return poll
	}
	return notify.FallbackSource{Primary: notify.FSNotifySource{}, Fallback: poll}
}

func setupDispatcher(ctx context.Context, cfg config.Config) (func(context.Context), func(), error) {
	tr, err := dispatch.NewUDPTransport(cfg.Command.Host, cfg.Command.Port)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := tr.Close(); err != nil {
			log.Error().Msgf("Failed to close command socket: %s", err)
		}
	}

	notifier := notify.New(commandSource(cfg.Command), cfg.Command.Debounce)
	changes, err := notifier.Watch(ctx, cfg.Command.StorePath)
	if err != nil {
		closer()
		return nil, nil, fmt.Errorf("watch %s: %w", cfg.Command.StorePath, err)
	}

	d := dispatch.New(dispatch.Config{
		StorePath:  cfg.Command.StorePath,
		AckTimeout: cfg.Command.AckTimeout,
	}, tr)

	log.Info().Msgf("Started command sender. Watching for changes in %s", cfg.Command.StorePath)
	log.Info().Msgf("Sending to %s", tr.Destination())

	loop := func(ctx context.Context) {
		d.Run(ctx, changes)
		accepted, discarded := notifier.Stats()
		log.Info().Msgf("Shutting down command sender (sent %d, notifications %d accepted / %d debounced)",
			d.Sent(), accepted, discarded)
	}
	return loop, closer, nil
}

func setupIngestor(ctx context.Context, cfg config.Config) (func(context.Context), func(), error) {
	mode, err := sink.ParseMode(cfg.Telemetry.Mode)
	if err != nil {
		return nil, nil, err
	}
	file, err := sink.Open(mode, cfg.Telemetry.SinkPath)
	if err != nil {
		return nil, nil, err
	}
	writers := sink.Tee{file}

	// the bridge lives with the ingestor: a send-only relay has no MQTT
	// command intake
	var bridge *tbmqtt.TBMQTT
	if cfg.MQTT.ServerURL != "" {
		bridge = tbmqtt.NewClient(tbmqtt.Config{
			ServerURL: cfg.MQTT.ServerURL,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			KeepAlive: cfg.MQTT.KeepAlive,
			ClientID:  cfg.MQTT.ClientID,
		})
		writers = append(writers, tbmqtt.TelemetryWriter{Client: bridge})
	}

	srv, err := ingest.Listen(ingest.Config{
		ListenAddr:  cfg.Telemetry.ListenAddr(),
		ReadTimeout: cfg.Telemetry.ReadTimeout,
		MaxDatagram: cfg.Telemetry.MaxDatagram,
		HelloAddr:   cfg.Telemetry.HelloAddr,
	}, writers)
	if err != nil {
		_ = writers.Close()
		return nil, nil, err
	}
	closer := func() {
		_ = srv.Close()
		if err := writers.Close(); err != nil {
			log.Error().Msgf("Failed to close telemetry sink: %s", err)
		}
	}

	loop := func(ctx context.Context) {
		var wg sync.WaitGroup
		if bridge != nil {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if err := bridge.Connect(ctx); err != nil && ctx.Err() == nil {
					log.Error().Msgf("Thingsboard bridge unavailable: %s", err)
				}
			}()
			go func() {
				defer wg.Done()
				bridge.ServeRPC(ctx, tbmqtt.CommandHandler{
					StorePath:    cfg.Command.StorePath,
					HistoryLimit: cfg.Command.HistoryLimit,
				})
			}()
		}

		start := time.Now()
		if err := srv.Serve(ctx); err != nil {
			log.Error().Msgf("Telemetry ingestion stopped: %s", err)
		}
		received, stored, rejected := srv.Stats()
		log.Info().Msgf("Closing down telemetry server after %s (%d datagrams, %d stored, %d rejected)",
			time.Since(start).Round(time.Second), received, stored, rejected)
		wg.Wait()
	}
	return loop, closer, nil
}

// ndsim runs an IPv6 Neighbor Discovery simulation.
//
// It loads a Junos-style scenario file describing links, nodes and timed
// events, runs the discrete-event simulation and writes per-node ICMPv6,
// ND and autoconfiguration statistics. The simulation can be inspected
// over an HTTP API while it runs, or driven from an interactive shell.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/psaab/ndsim/pkg/api"
	"github.com/psaab/ndsim/pkg/cli"
	"github.com/psaab/ndsim/pkg/logging"
	"github.com/psaab/ndsim/pkg/radvd"
	"github.com/psaab/ndsim/pkg/runner"
)

func main() {
	configFile := flag.String("config", "", "scenario file path")
	duration := flag.Duration("duration", 0, "simulated run time (overrides the scenario)")
	pcap := flag.String("pcap", "", "write frames to this pcap file")
	eventLog := flag.String("event-log", "", "append ND events to this file")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address (empty to disable)")
	apiTokens := flag.String("api-token", "", "comma-separated bearer tokens required by the API")
	statsFile := flag.String("stats", "-", "write final statistics here (- for stdout, empty to skip)")
	radvdDir := flag.String("radvd-dir", "", "write radvd.conf for each advertising node into this directory")
	interactive := flag.Bool("interactive", false, "start the interactive shell instead of running to completion")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *configFile == "" && flag.NArg() > 0 {
		*configFile = flag.Arg(0)
	}
	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "usage: ndsim -config <scenario> [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	// Set up structured logging; warnings also land in the event buffer.
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	eventBuf := logging.NewEventBuffer(1000)
	handler := logging.NewEventHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}), eventBuf, slog.LevelWarn)
	slog.SetDefault(slog.New(handler))

	opts := runner.Options{
		ConfigFile:  *configFile,
		Duration:    *duration,
		Pcap:        *pcap,
		EventLog:    *eventLog,
		StatsFile:   *statsFile,
		EventBuffer: eventBuf,
	}
	if err := run(opts, handler, *apiAddr, *apiTokens, *radvdDir, *interactive); err != nil {
		fmt.Fprintf(os.Stderr, "ndsim: %v\n", err)
		os.Exit(1)
	}
}

func run(opts runner.Options, handler *logging.EventHandler, apiAddr, apiTokens, radvdDir string, interactive bool) error {
	s, err := runner.New(opts)
	if err != nil {
		return err
	}
	handler.SetClock(s.Clock)

	if radvdDir != "" {
		if _, err := radvd.WriteAll(s.Config(), radvdDir); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := s.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	if apiAddr == "" {
		apiAddr = s.Config().Simulation.APIAddr
	}
	if apiAddr != "" {
		srv := api.NewServer(api.Config{
			Addr:     apiAddr,
			Auth:     authConfig(apiTokens),
			Network:  s.Network(),
			EventBuf: s.Events(),
			Lock:     s.Locker(),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				slog.Error("api: server failed", "err", err)
			}
		}()
	}

	start := time.Now()
	slog.Info("starting simulation", "config", opts.ConfigFile, "duration", s.Duration(), "interactive", interactive)

	var runErr error
	if interactive {
		runErr = cli.New(s, os.Stdout).Run(ctx)
	} else {
		runErr = s.Run(ctx)
		if runErr == nil && apiAddr != "" {
			slog.Info("simulation finished, API still serving until interrupted", "addr", apiAddr)
			<-ctx.Done()
		}
	}
	if errors.Is(runErr, context.Canceled) {
		slog.Info("signal received, shutting down")
		runErr = nil
	}

	// Cancel context to stop background goroutines, then wait for them.
	stop()
	wg.Wait()

	if err := s.Finalize(); err != nil && runErr == nil {
		runErr = err
	}
	slog.Info("shutdown complete", "elapsed", time.Since(start).Round(time.Millisecond))
	return runErr
}

func authConfig(tokens string) *api.AuthConfig {
	if tokens == "" {
		return nil
	}
	var list []string
	for _, t := range strings.Split(tokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			list = append(list, t)
		}
	}
	if len(list) == 0 {
		return nil
	}
	return &api.AuthConfig{Tokens: list}
}

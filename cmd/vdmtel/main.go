// Copyright 2026 The vdmtel Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the vdmtel daemon. It runs the telemetry pipeline
// against a synthetic producer and offers offline access to the bounded
// event streams it writes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/vdmtel/internal/buildinfo"
	"github.com/traylinx/vdmtel/internal/config"
	"github.com/traylinx/vdmtel/internal/logging"
	"github.com/traylinx/vdmtel/internal/rolling"
	"github.com/traylinx/vdmtel/internal/telemetry"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func printUsage() {
	fmt.Println("Usage: vdmtel <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  serve     Run the pipeline with the synthetic producer")
	fmt.Println("  replay    Print a stream, archived segments first")
	fmt.Println("  export    Write a stream to a gzip file")
	fmt.Println("  version   Print build information")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	loadDotEnv()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "replay":
		err = runReplay(os.Args[2:], os.Stdout)
	case "export":
		err = runExport(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(buildinfo.String())
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Printf("Error: unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Errorf("%s: %v", os.Args[1], err)
		logging.Close()
		os.Exit(1)
	}
}

// loadDotEnv loads .env from the working directory if present.
func loadDotEnv() {
	wd, err := os.Getwd()
	if err != nil {
		return
	}
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}
}

type serveOptions struct {
	configPath  string
	tickRate    float64
	nodes       int
	degree      int
	seed        uint64
	statusEvery int
}

func runServe(args []string) error {
	var opts serveOptions
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", DefaultConfigPath, "Configure File Path")
	fs.Float64Var(&opts.tickRate, "tick-rate", 10, "Synthetic ticks per second")
	fs.IntVar(&opts.nodes, "nodes", 4096, "Synthetic graph size")
	fs.IntVar(&opts.degree, "degree", 3, "Random edges drawn per node")
	fs.Uint64Var(&opts.seed, "seed", uint64(time.Now().UnixNano()), "Synthetic producer seed")
	fs.IntVar(&opts.statusEvery, "status-every", 50, "Ticks between status records on the UTD stream")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.tickRate <= 0 {
		return fmt.Errorf("--tick-rate must be positive")
	}

	cfg, err := config.LoadConfigOptional(opts.configPath, opts.configPath == "")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir, cfg.LogFileMaxSizeMB); err != nil {
		return fmt.Errorf("failed to configure log output: %w", err)
	}
	defer logging.Close()
	logging.SetDebug(cfg.Debug)
	log.Infof("%s starting, run-dir=%s", buildinfo.String(), cfg.RunDir)

	if cfg.Logs.MirrorProcessLog {
		if err = mirrorProcessLog(cfg); err != nil {
			log.Warnf("process log mirror disabled: %v", err)
		}
	}

	p, err := telemetry.New(cfg, nil)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = p.Start(ctx); err != nil {
		return err
	}

	if opts.configPath != "" {
		w, errWatch := config.Watch(opts.configPath, func(next *config.Config) {
			logging.SetDebug(next.Debug)
			p.Reload(next)
		})
		if errWatch != nil {
			log.Warnf("config hot reload disabled: %v", errWatch)
		} else {
			defer w.Close()
		}
	}

	prod, err := newProducer(opts.nodes, opts.degree, opts.seed)
	if err != nil {
		return err
	}
	start := buildinfo.Fields()
	start["nodes"] = opts.nodes
	start["rate"] = opts.tickRate
	_ = p.LogUTD("start", start)

	runLoop(ctx, p, prod, opts)

	log.Info("shutdown signal received, stopping")
	_ = p.LogUTD("stop", map[string]any{"tick": p.Last().Tick})
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout()+time.Second)
	defer cancelShutdown()
	return p.Close(shutdownCtx)
}

// runLoop ticks the pipeline until ctx is done.
func runLoop(ctx context.Context, p *telemetry.Pipeline, prod *producer, opts serveOptions) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / opts.tickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		report, err := p.Tick(ctx, prod.next())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithField("tick", report.Tick).Warnf("tick: %v", err)
		}
		if opts.statusEvery > 0 && report.Tick%int64(opts.statusEvery) == 0 {
			logStatus(p, report)
		}
	}
}

// logStatus writes a status record to the UTD stream and a summary line to the
// process log.
func logStatus(p *telemetry.Pipeline, report telemetry.Report) {
	status := p.Broadcaster().Status()
	if err := p.LogUTD("status", map[string]any{
		"tick":    report.Tick,
		"seq":     report.Seq,
		"void_b1": report.Topology.VoidB1,
		"clients": status.Clients,
		"ring":    status.Ring,
		"metrics": status.Metrics,
	}); err != nil {
		log.Debugf("status record dropped: %v", err)
	}
	log.WithField("tick", report.Tick).Infof("void_b1=%.4f cycles=%d components=%d clients=%d dropped=%d",
		report.Topology.VoidB1, report.Topology.Cycles, report.Components, status.Clients, status.Ring.Dropped)
}

// mirrorProcessLog copies log entries at info and above into a bounded rolling
// stream in the run directory. The stream logs its own maintenance through a
// separate stderr logger so the hook never re-enters itself.
func mirrorProcessLog(cfg *config.Config) error {
	path := filepath.Join(cfg.RunDir, logging.ProcessLogName+".jsonl")
	own := log.New()
	own.SetOutput(os.Stderr)
	own.SetFormatter(&logging.LogFormatter{})

	w, err := rolling.New(path, telemetry.StreamOptions(cfg, path, cfg.Logs.Log, nil, own))
	if err != nil {
		return err
	}
	log.AddHook(logging.NewRollingHook(w, log.InfoLevel))
	return nil
}

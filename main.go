// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// vbot runs the scenarios of a project file in a remote browser and
// compares the screenshots they take with stored baselines.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/caarlos0/env/v11"
	"github.com/ttbt-io/vbot/monitor"
	"github.com/ttbt-io/vbot/reports"
	"github.com/ttbt-io/vbot/runner"
)

// config holds the settings that can come from the environment. Flags
// override them.
type config struct {
	Host        string `env:"VBOT_HOST" envDefault:"http://127.0.0.1:9222"`
	BaseURL     string `env:"VBOT_BASE_URL"`
	ImgDir      string `env:"VBOT_IMGDIR" envDefault:"screenshots"`
	DataDir     string `env:"VBOT_DATA_DIR" envDefault:"data"`
	MonitorAddr string `env:"VBOT_MONITOR_ADDR"`
	AuthSecret  string `env:"VBOT_AUTH_SECRET"`
	AuthJWKSURL string `env:"VBOT_AUTH_JWKS_URL"`
	MasterKey   string `env:"VBOT_MASTER_KEY"`
}

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Printf("parse env: %v", err)
		return exitConfig
	}

	flag.StringVar(&cfg.Host, "host", cfg.Host, "Remote browser debugging endpoint")
	flag.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Origin that relative scenario URLs resolve against")
	flag.StringVar(&cfg.ImgDir, "imgdir", cfg.ImgDir, "Root directory of the screenshot tree")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for run reports")
	flag.StringVar(&cfg.MonitorAddr, "monitor", cfg.MonitorAddr, "TCP address of the monitor server (disabled when empty)")
	flag.StringVar(&cfg.AuthJWKSURL, "auth-jwks-url", cfg.AuthJWKSURL, "JWKS endpoint used to verify monitor tokens")
	var (
		rebase      = flag.Bool("rebase", false, "Replace baselines with the new screenshots")
		accept      = flag.Bool("accept", false, "Promote the last test screenshots to baselines and exit")
		threshold   = flag.Int("threshold", 0, "Per-pixel color tolerance, 0 to 765")
		maxMismatch = flag.Float64("max-mismatch", 0, "Largest mismatch percentage that still passes")
		timeout     = flag.Duration("timeout", 0, "Abort the run after this long (0 means no limit)")
		serve       = flag.Bool("serve", false, "Keep the monitor running after the run until interrupted")
		tlsCert     = flag.String("tls-cert", "", "Path to monitor TLS certificate")
		tlsKey      = flag.String("tls-key", "", "Path to monitor TLS key")
		selfSigned  = flag.Bool("tls-self-signed", false, "Serve the monitor over TLS with a generated certificate")
		debugMode   = flag.Bool("debug", false, "Enable debug mode")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <project.json|project.yaml>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return exitConfig
	}

	bot, err := runner.New(runner.Options{
		ProjectFile: flag.Arg(0),
		Host:        cfg.Host,
		BaseURL:     cfg.BaseURL,
		ImgDir:      cfg.ImgDir,
		Rebase:      *rebase,
		Threshold:   *threshold,
		Debug:       *debugMode,
	})
	if err != nil {
		log.Printf("Invalid configuration: %v", err)
		return exitConfig
	}
	project := bot.Project()

	if *accept {
		for _, sc := range project.Scenarios {
			n, err := bot.Screenshots().Accept(sc.Name)
			if err != nil {
				log.Printf("Accepting %s: %v", sc.Name, err)
				return exitFailed
			}
			log.Printf("Accepted %d screenshots for %s", n, sc.Name)
		}
		return exitOK
	}

	store, err := openStorage(cfg.DataDir, cfg.MasterKey)
	if err != nil {
		log.Printf("Failed to open report storage: %v", err)
		return exitConfig
	}
	reportStore := reports.NewStore(cfg.DataDir, store)
	reportStore.Debug = *debugMode

	recorder := reports.NewRecorder(reportStore, project.Name, cfg.Host)
	recorder.MaxMismatch = *maxMismatch
	recorder.Attach(bot)
	bot.Subscribe(logEvent)

	var server *monitor.Server
	if cfg.MonitorAddr != "" {
		opts := monitor.Options{
			Addr:        cfg.MonitorAddr,
			Debug:       *debugMode,
			Reports:     reportStore,
			AuthSecret:  cfg.AuthSecret,
			AuthJWKSURL: cfg.AuthJWKSURL,
		}
		if *tlsCert != "" && *tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(*tlsCert, *tlsKey)
			if err != nil {
				log.Printf("Failed to load monitor TLS cert/key: %v", err)
				return exitConfig
			}
			opts.Cert = &cert
		} else if *selfSigned {
			host, _, err := net.SplitHostPort(cfg.MonitorAddr)
			if err != nil || host == "" {
				host = "localhost"
			}
			if opts.Cert, err = monitor.SelfSignedCert([]string{host}, 24*time.Hour); err != nil {
				log.Printf("Failed to generate monitor certificate: %v", err)
				return exitConfig
			}
		}
		if server, err = monitor.StartServer(opts); err != nil {
			log.Printf("Failed to start monitor: %v", err)
			return exitConfig
		}
		bot.Subscribe(server.Listener(recorder.RunID()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx := ctx
	if *timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	code := exitOK
	if err := bot.Start(runCtx); err != nil {
		log.Printf("Failed to start run: %v", err)
		code = exitFailed
	} else {
		bot.Wait()
		bot.Close()
		report, _ := recorder.Report()
		if err := recorder.Err(); err != nil {
			log.Printf("Report was not saved: %v", err)
		}
		printSummary(report)
		if !report.Passed() {
			code = exitFailed
		}
	}

	if server != nil {
		if *serve && ctx.Err() == nil {
			log.Printf("Monitor is serving on %s. Press Ctrl-C to exit.", server.Addr())
			<-ctx.Done()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}
	return code
}

// openStorage opens the report storage, encrypted when passphrase is set.
func openStorage(dataDir, passphrase string) (*storage.Storage, error) {
	var masterKey crypto.MasterKey
	keyFile := filepath.Join(dataDir, "master.key")
	if passphrase != "" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, err
		}
		var err error
		masterKey, err = crypto.ReadMasterKey([]byte(passphrase), keyFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read master key: %w", err)
			}
			log.Println("Initializing new master encryption key...")
			if masterKey, err = crypto.CreateMasterKey(); err != nil {
				return nil, fmt.Errorf("failed to create master key: %w", err)
			}
			if err := masterKey.Save([]byte(passphrase), keyFile); err != nil {
				return nil, fmt.Errorf("failed to save master key: %w", err)
			}
		}
	} else {
		if _, err := os.Stat(keyFile); err == nil {
			return nil, errors.New(keyFile + " exists but VBOT_MASTER_KEY is not set")
		}
	}
	store := storage.New(dataDir, masterKey)
	store.EnableCompression(true)
	return store, nil
}

func logEvent(ev runner.Event) {
	switch ev.Name {
	case runner.EventStart:
		log.Println("Run started")
	case runner.EventActionExecuted:
		l := ev.Log
		msg := fmt.Sprintf("[%d] %s/%d %s ok (%s)", l.Index, l.Scenario, l.Step, l.Action.Type, l.Duration.Round(time.Millisecond))
		if s := l.Screenshot; s != nil && s.Analysis != nil {
			msg += fmt.Sprintf(" mismatch %.2f%%", s.Analysis.MisMatchPercentage)
		}
		if l.Error != "" {
			msg += " warning: " + l.Error
		}
		log.Println(msg)
	case runner.EventActionFail:
		l := ev.Log
		log.Printf("[%d] %s/%d %s FAILED: %s", l.Index, l.Scenario, l.Step, l.Action.Type, l.Error)
	case runner.EventEnd:
		log.Println("Run finished")
	}
}

func printSummary(r *reports.RunReport) {
	s := r.Summary
	fmt.Printf("run %s: %d executed, %d failed, %d screenshots, %d mismatches\n",
		r.ID, s.Executed, s.Failed, s.Screenshots, len(r.Mismatches))
	for _, m := range r.Mismatches {
		fmt.Printf("  %s step %d: %.2f%% (%s)\n", m.Scenario, m.Step, m.MisMatchPercentage, m.Diff)
	}
	if s.Aborted {
		fmt.Printf("  aborted: %s\n", s.Error)
	}
}

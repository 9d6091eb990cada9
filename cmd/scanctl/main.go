// Command scanctl is a local demo binary: it wires one Orchestrator
// against the configured SQLi/XSS tool binaries, exposes its control
// surface over a tiny HTTP API, and relays its event bus over a
// websocket at /ws via internal/transport/wsbridge. It is not part of
// the Orchestrator's contract — see SPEC_FULL.md §10/§6.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/BetterCallFirewall/scanorchestrator/internal/config"
	"github.com/BetterCallFirewall/scanorchestrator/internal/eventbus"
	"github.com/BetterCallFirewall/scanorchestrator/internal/model"
	"github.com/BetterCallFirewall/scanorchestrator/internal/orchestrator"
	"github.com/BetterCallFirewall/scanorchestrator/internal/procsup"
	"github.com/BetterCallFirewall/scanorchestrator/internal/transport/wsbridge"
)

func main() {
	targetURL := flag.String("target", "", "target URL to scan")
	flag.Parse()
	if *targetURL == "" {
		log.Fatal("scanctl: -target is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("scanctl: failed to load config: %v", err)
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("scanctl: failed to init logger: %v", err)
	}
	defer zlog.Sync()
	sugar := zlog.Sugar()

	bus := eventbus.New(sugar)
	supervisor := procsup.New(sugar)

	scanCfg := model.ScanConfig{
		TargetURL:      *targetURL,
		Flags:          model.ScanFlags{SQLi: true, XSS: true},
		SQLiToolPath:   cfg.SQLiToolPath,
		XSSToolPath:    cfg.XSSToolPath,
		CrawlDepth:     cfg.CrawlDepth,
		SQLiLevel:      cfg.SQLiLevel,
		SQLiRisk:       cfg.SQLiRisk,
		Threads:        cfg.Threads,
		TimeoutSeconds: cfg.TimeoutSeconds,
		OutputDir:      cfg.OutputDir,
		TmpDir:         cfg.TmpDir,
	}

	o, err := orchestrator.New(scanCfg, orchestrator.Deps{Supervisor: supervisor, Bus: bus, Log: sugar})
	if err != nil {
		log.Fatalf("scanctl: invalid scan config: %v", err)
	}

	bridge := wsbridge.New(bus, sugar)
	mux := http.NewServeMux()
	mux.Handle("/ws", bridge)
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(o.GetStatus())
	})
	mux.HandleFunc("/pause", func(w http.ResponseWriter, r *http.Request) {
		writeControlResult(w, o.Pause())
	})
	mux.HandleFunc("/resume", func(w http.ResponseWriter, r *http.Request) {
		writeControlResult(w, o.Resume())
	})
	mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		writeControlResult(w, o.Stop())
	})
	mux.HandleFunc("/answer", func(w http.ResponseWriter, r *http.Request) {
		var ans model.AnswerMsg
		if err := json.NewDecoder(r.Body).Decode(&ans); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeControlResult(w, o.AnswerQuestion(ans))
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		sugar.Infow("scanctl: listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Errorw("scanctl: server failed", "err", err)
		}
	}()

	if err := o.Start(context.Background()); err != nil {
		log.Fatalf("scanctl: failed to start scan: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	sugar.Infow("scanctl: shutting down")
	_ = o.Stop()
	_ = srv.Shutdown(context.Background())
}

func writeControlResult(w http.ResponseWriter, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

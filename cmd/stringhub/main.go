// Command stringhub is the string hub process: it loads a static channel
// configuration, merges per-channel buffers for each stream kind through the
// tournament-tree sort engines, drives RAPCal off the merged TCAL channel,
// forwards merged output to a downstream collector over mTLS gRPC, and
// serves an HTTP status/control API.
//
// It shuts down gracefully on SIGTERM or SIGINT: the status API is shut
// down, every sort engine observes an EOS sentinel for its registered
// channels and is joined, and then the moni/sn broadcasters, the spool, the
// sender, the calibstore and the caliblog are closed, in that order.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stringhub-core/stringhub/internal/caliblog"
	"github.com/stringhub-core/stringhub/internal/calibstore"
	"github.com/stringhub-core/stringhub/internal/config"
	"github.com/stringhub-core/stringhub/internal/dispatch"
	"github.com/stringhub-core/stringhub/internal/gpsprovider"
	"github.com/stringhub-core/stringhub/internal/metrics"
	"github.com/stringhub-core/stringhub/internal/rapcal"
	"github.com/stringhub-core/stringhub/internal/rawbuf"
	"github.com/stringhub-core/stringhub/internal/secondary"
	"github.com/stringhub-core/stringhub/internal/sender"
	"github.com/stringhub-core/stringhub/internal/sortengine"
	"github.com/stringhub-core/stringhub/internal/spool"
	"github.com/stringhub-core/stringhub/internal/statusapi"
	"github.com/stringhub-core/stringhub/internal/tcal"
)

// tcalOutputMBID identifies the TCAL processor's own virtual output channel
// used for EndOfStream on its downstream sink; it is not one of the merged
// input mbids.
const tcalOutputMBID uint64 = 0

// spoolDrainBatch bounds how many spooled buffers are forwarded to the
// sender per drain tick.
const spoolDrainBatch = 256

func main() {
	configPath := flag.String("config", "/etc/stringhub/config.yaml", "path to the string hub YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stringhub: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("config_path", *configPath))

	reg := metrics.NewRegistry()

	caliLog, err := caliblog.Open(cfg.CaliblogPath)
	if err != nil {
		logger.Error("failed to open caliblog", slog.String("path", cfg.CaliblogPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer caliLog.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calStore *calibstore.Store
	if cfg.CalibstorePostgresDSN != "" {
		calStore, err = calibstore.New(ctx, cfg.CalibstorePostgresDSN, 0, 0)
		if err != nil {
			logger.Error("failed to open calibstore", slog.Any("error", err))
			os.Exit(1)
		}
		defer calStore.Close(ctx)
	}
	calRecorder := &ledgerRecorder{log: caliLog, store: calStore, logger: logger}

	senderClient := sender.NewClient(sender.ClientConfig{
		Addr:     cfg.Sender.Addr,
		CertPath: cfg.Sender.CertPath,
		KeyPath:  cfg.Sender.KeyPath,
		CAPath:   cfg.Sender.CAPath,
	}, reg, logger.With(slog.String("component", "sender")))
	if err := senderClient.Start(ctx); err != nil {
		logger.Error("failed to start sender", slog.Any("error", err))
		os.Exit(1)
	}
	defer senderClient.Stop()

	var sp *spool.Spool
	var hitConsumer sortengine.Consumer = senderClient
	if cfg.HitSpooling {
		sp, err = spool.Open(cfg.HitSpoolDir + "/hitspool.db")
		if err != nil {
			logger.Error("failed to open hit spool", slog.Any("error", err))
			os.Exit(1)
		}
		defer sp.Close()
		hitConsumer = &spoolConsumer{sp: sp}
		go drainSpool(ctx, sp, senderClient, time.Duration(cfg.HitSpoolInterval)*time.Second, logger.With(slog.String("component", "spool")))
	}

	moniBroadcaster := secondary.New("moni", sortengine.DefaultQueueSize, logger.With(slog.String("component", "moni")))
	defer moniBroadcaster.Close()
	snBroadcaster := secondary.New("sn", sortengine.DefaultQueueSize, logger.With(slog.String("component", "sn")))
	defer snBroadcaster.Close()

	rap := rapcal.New()
	gps := gpsprovider.Static{}
	tcalProcessor := tcal.New(tcalOutputMBID, rap, gps, reg, logger.With(slog.String("component", "tcal")))
	tcalProcessor.SetCalLogger(calRecorder)
	tcalProcessor.SetSink(senderClient)

	consumers := map[dispatch.Kind]sortengine.Consumer{
		dispatch.KindHit:       hitConsumer,
		dispatch.KindMoni:      moniBroadcaster,
		dispatch.KindTCAL:      tcalProcessor,
		dispatch.KindSupernova: snBroadcaster,
	}

	d := dispatch.New(dispatch.Config{
		TCALPrescale:    cfg.TCALPrescale,
		UsePrioritySort: cfg.UsePrioritySort,
		QueueSize:       cfg.QueueSize,
	}, consumers, reg, logger)
	d.WithRunLevelSink(tcalProcessor)

	for _, mbid := range cfg.Channels.Hit {
		if err := d.Register(dispatch.KindHit, mbid); err != nil {
			logger.Error("failed to register hit channel", slog.Uint64("mbid", mbid), slog.Any("error", err))
			os.Exit(1)
		}
	}
	for _, mbid := range cfg.Channels.Moni {
		if err := d.Register(dispatch.KindMoni, mbid); err != nil {
			logger.Error("failed to register moni channel", slog.Uint64("mbid", mbid), slog.Any("error", err))
			os.Exit(1)
		}
	}
	for _, mbid := range cfg.Channels.TCAL {
		if err := d.Register(dispatch.KindTCAL, mbid); err != nil {
			logger.Error("failed to register tcal channel", slog.Uint64("mbid", mbid), slog.Any("error", err))
			os.Exit(1)
		}
	}
	for _, mbid := range cfg.Channels.SN {
		if err := d.Register(dispatch.KindSupernova, mbid); err != nil {
			logger.Error("failed to register sn channel", slog.Uint64("mbid", mbid), slog.Any("error", err))
			os.Exit(1)
		}
	}

	if err := d.Start(); err != nil {
		logger.Error("failed to start dispatch", slog.Any("error", err))
		os.Exit(1)
	}

	statusSrv := statusapi.NewServer(d)

	var pubKey = loadJWTPubKey(cfg.StatusAPI.JWTPublicKeyPath, logger)
	router := statusapi.NewRouter(statusSrv, reg, pubKey)

	httpSrv := &http.Server{
		Addr:         cfg.StatusAPI.ListenAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status API listening", slog.String("addr", cfg.StatusAPI.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status API server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status API shutdown error", slog.Any("error", err))
	}

	mbidsByKind := map[dispatch.Kind][]uint64{
		dispatch.KindHit:       cfg.Channels.Hit,
		dispatch.KindMoni:      cfg.Channels.Moni,
		dispatch.KindTCAL:      cfg.Channels.TCAL,
		dispatch.KindSupernova: cfg.Channels.SN,
	}
	if err := d.Stop(mbidsByKind); err != nil {
		logger.Warn("dispatch stop error", slog.Any("error", err))
	}

	cancel()
	logger.Info("stringhub exited cleanly")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func loadJWTPubKey(path string, logger *slog.Logger) *rsa.PublicKey {
	if path == "" {
		logger.Warn("status API JWT verification disabled: no jwt_public_key_path configured")
		return nil
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		logger.Error("failed to read JWT public key", slog.String("path", path), slog.Any("error", err))
		os.Exit(1)
	}
	pubKey, err := statusapi.ParseRSAPublicKey(pemBytes)
	if err != nil {
		logger.Error("failed to parse JWT public key", slog.String("path", path), slog.Any("error", err))
		os.Exit(1)
	}
	return pubKey
}

// ledgerRecorder implements tcal.CalLogger: it writes every accepted RAPCal
// update to the tamper-evident local ledger first, then best-effort mirrors
// the resulting entry into the PostgreSQL calibstore when one is configured.
// A calibstore write failure is logged and suppressed; the ledger, not the
// store, is the record of truth.
type ledgerRecorder struct {
	log    *caliblog.Logger
	store  *calibstore.Store
	logger *slog.Logger
}

func (r *ledgerRecorder) Append(u caliblog.Update) (caliblog.Entry, error) {
	e, err := r.log.Append(u)
	if err != nil {
		return e, err
	}
	if r.store != nil {
		if serr := r.store.Record(context.Background(), e); serr != nil {
			r.logger.Warn("calibstore record failed", slog.Any("error", serr))
		}
	}
	return e, nil
}

// spoolConsumer adapts a *spool.Spool into a sortengine.Consumer, persisting
// every merged hit buffer (and an EOS sentinel) ahead of the sender so that
// a transport outage or process restart does not lose in-flight data.
type spoolConsumer struct {
	sp *spool.Spool
}

func (s *spoolConsumer) Consume(raw []byte) error {
	d, err := rawbuf.Parse(raw)
	if err != nil {
		return fmt.Errorf("spoolConsumer: %w", err)
	}
	return s.sp.Enqueue(context.Background(), d.MBID, d.Timestamp, raw)
}

func (s *spoolConsumer) EndOfStream(mbid uint64) error {
	return s.sp.Enqueue(context.Background(), mbid, 0, rawbuf.Sentinel(mbid))
}

// drainSpool periodically forwards spooled buffers to the sender in
// insertion order, acknowledging only what the sender accepted. On a send
// failure it stops the current batch and retries on the next tick, so a
// sender outage backs up the spool instead of dropping data.
func drainSpool(ctx context.Context, sp *spool.Spool, client *sender.Client, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hits, err := sp.Dequeue(ctx, spoolDrainBatch)
			if err != nil {
				logger.Warn("spool dequeue failed", slog.Any("error", err))
				continue
			}
			if len(hits) == 0 {
				continue
			}

			var delivered []int64
			for _, h := range hits {
				if err := client.Consume(h.Payload); err != nil {
					logger.Warn("spool drain: sender rejected buffer, retrying next tick", slog.Any("error", err))
					break
				}
				delivered = append(delivered, h.ID)
			}
			if len(delivered) > 0 {
				if err := sp.Ack(ctx, delivered); err != nil {
					logger.Warn("spool ack failed", slog.Any("error", err))
				}
			}
		}
	}
}

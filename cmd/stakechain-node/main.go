package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VeltarosLabs/stakechain/internal/api"
	"github.com/VeltarosLabs/stakechain/internal/blockchain"
	"github.com/VeltarosLabs/stakechain/internal/config"
	"github.com/VeltarosLabs/stakechain/internal/consensus"
	"github.com/VeltarosLabs/stakechain/internal/logging"
	"github.com/VeltarosLabs/stakechain/internal/server"
	"github.com/VeltarosLabs/stakechain/internal/session"
	"github.com/VeltarosLabs/stakechain/internal/staking"
	"github.com/VeltarosLabs/stakechain/internal/storage"
	"github.com/VeltarosLabs/stakechain/pkg/version"
)

func main() {
	parsed, err := config.ParseNodeFlags(os.Args[1:])
	if err != nil {
		os.Exit(exitWithError(err))
	}
	cfg := parsed.Config

	log := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	store, err := storage.New(cfg.Storage.DataDir)
	if err != nil {
		os.Exit(exitWithError(err))
	}
	exports, err := store.ChainExport(cfg.Storage.ChainFile)
	if err != nil {
		os.Exit(exitWithError(err))
	}

	v := version.Get()
	log.Info("starting stakechain node", "version", v.Version, "commit", v.Commit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := blockchain.New()
	registry := staking.NewRegistry()

	trigger := consensus.NewTrigger(ctx, log.With("component", "trigger"), consensus.TriggerConfig{
		Interval: cfg.Node.RoundInterval,
		Buffer:   cfg.Node.NotifyBuffer,
	})

	agg, err := consensus.NewAggregator(ctx, log.With("component", "aggregator"), consensus.AggregatorConfig{
		Chain:          chain,
		Validators:     registry,
		Notifier:       trigger,
		ProposalBuffer: cfg.Node.ProposalBuffer,
		HistorySize:    cfg.Node.HistorySize,
	})
	if err != nil {
		os.Exit(exitWithError(err))
	}

	handler := session.NewHandler(log.With("component", "session"), chain, registry, agg, trigger, session.Config{
		TipEcho: cfg.Node.TipEcho,
	})

	srv, err := server.New(server.Config{
		ListenAddr:  cfg.Node.ListenAddr,
		MaxSessions: cfg.Node.MaxSessions,
	}, log, handler)
	if err != nil {
		os.Exit(exitWithError(err))
	}
	if err := srv.Start(); err != nil {
		os.Exit(exitWithError(err))
	}

	var apiSrv *api.HTTPServer
	if cfg.API.Enabled {
		ln, err := net.Listen("tcp", cfg.API.ListenAddr)
		if err != nil {
			_ = srv.Close()
			os.Exit(exitWithError(err))
		}

		var limiter *api.Limiter
		if cfg.API.RateLimit > 0 {
			limiter = api.NewLimiter(cfg.API.RateLimit, float64(cfg.API.RateBurst))
		}

		apiSrv = api.NewHTTPServer(ctx, log.With("component", "api"), api.HTTPServerConfig{
			Listener:   ln,
			Chain:      chain,
			Validators: registry,
			Rounds:     agg,
			Trigger:    trigger,
			Sessions:   srv,
			StartedAt:  time.Now().UTC(),
			ExportFile: exports.Path(),
			DevMode:    cfg.API.DevMode,
			Security: api.SecurityConfig{
				AllowedOrigins: cfg.API.AllowedOrigins,
				APIKey:         cfg.API.APIKey,
				KeyPrefixes:    []string{"/dev/"},
			},
			Limiter:      limiter,
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
			IdleTimeout:  cfg.API.IdleTimeout,
		})
	}

	exportDone := make(chan struct{})
	go func() {
		defer close(exportDone)
		exportLoop(ctx, log, exports, chain, cfg.Storage.ExportInterval)
	}()

	waitForShutdown(log)
	cancel()

	_ = srv.Close()
	agg.Wait()
	trigger.Wait()
	if apiSrv != nil {
		apiSrv.Wait()
	}
	<-exportDone

	exportOnce(log, exports, chain)
	log.Info("shutdown complete", "height", chain.Height())
}

func exportLoop(ctx context.Context, log *slog.Logger, bs *blockchain.BlockStore, chain *blockchain.Chain, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			exportOnce(log, bs, chain)
		}
	}
}

func exportOnce(log *slog.Logger, bs *blockchain.BlockStore, chain *blockchain.Chain) {
	if err := bs.Export(chain); err != nil {
		log.Warn("chain export failed", "path", bs.Path(), "err", err)
		return
	}
	log.Debug("chain exported", "path", bs.Path(), "height", chain.Height())
}

func waitForShutdown(log *slog.Logger) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	s := <-ch
	log.Info("shutdown signal received", "signal", s.String())
}

func exitWithError(err error) int {
	_, _ = os.Stderr.WriteString("stakechain-node error: " + err.Error() + "\n")
	return 1
}

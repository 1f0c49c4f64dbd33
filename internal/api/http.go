// Package api serves the node's read-only HTTP status API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/VeltarosLabs/stakechain/internal/blockchain"
	"github.com/VeltarosLabs/stakechain/internal/consensus"
	"github.com/VeltarosLabs/stakechain/internal/staking"
	schema "github.com/VeltarosLabs/stakechain/pkg/api"
	"github.com/VeltarosLabs/stakechain/pkg/version"
	"github.com/gorilla/mux"
)

const shutdownTimeout = 8 * time.Second

type ChainReader interface {
	Tip() blockchain.Block
	Blocks() []blockchain.Block
	BlockAt(index uint64) (blockchain.Block, error)
}

type ValidatorReader interface {
	Snapshot() []staking.Validator
	TotalStake() uint64
	Count() int
}

type RoundReader interface {
	History() []consensus.RoundOutcome
	Round(id string) (consensus.RoundOutcome, bool)
	Pending(ctx context.Context) (consensus.RoundStatus, error)
}

type Trigger interface {
	Fire() consensus.FanoutResult
	SubscriberCount() int
}

type SessionCounter interface {
	SessionCount() int
}

type HTTPServerConfig struct {
	Listener net.Listener

	Chain      ChainReader
	Validators ValidatorReader
	Rounds     RoundReader
	Trigger    Trigger
	Sessions   SessionCounter

	StartedAt  time.Time
	ExportFile string

	// DevMode mounts POST /dev/trigger.
	DevMode bool

	Security SecurityConfig
	Limiter  *Limiter

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type HTTPServer struct {
	done chan struct{}
}

func NewHTTPServer(ctx context.Context, log *slog.Logger, cfg HTTPServerConfig) *HTTPServer {
	srv := &http.Server{
		Handler:           NewHandler(log, cfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	h := &HTTPServer{
		done: make(chan struct{}),
	}
	go h.serve(log, cfg.Listener, srv)
	go h.waitForShutdown(ctx, srv)

	return h
}

func (h *HTTPServer) Wait() {
	<-h.done
}

func (h *HTTPServer) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-h.done:
		return
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
	}
}

func (h *HTTPServer) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(h.done)

	log.Info("api listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("HTTP server shutting down")
		} else {
			log.Error("HTTP server shutting down due to error", "err", err)
		}
	}
}

// NewHandler builds the routed and wrapped API handler.
func NewHandler(log *slog.Logger, cfg HTTPServerConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", handleHealth).Methods("GET")
	r.HandleFunc("/version", handleVersion).Methods("GET")
	r.HandleFunc("/status", handleStatus(log, cfg)).Methods("GET")

	r.HandleFunc("/chain", handleChain(cfg)).Methods("GET")
	r.HandleFunc("/chain/tip", handleTip(cfg)).Methods("GET")
	r.HandleFunc("/chain/blocks/{index:[0-9]+}", handleBlockAt(cfg)).Methods("GET")

	r.HandleFunc("/validators", handleValidators(cfg)).Methods("GET")

	r.HandleFunc("/rounds", handleRounds(cfg)).Methods("GET")
	r.HandleFunc("/rounds/current", handleCurrentRound(log, cfg)).Methods("GET")
	r.HandleFunc("/rounds/{id}", handleRound(cfg)).Methods("GET")

	if cfg.DevMode {
		r.HandleFunc("/dev/trigger", handleTrigger(log, cfg)).Methods("POST")
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return SecurityMiddleware(cfg.Security, RateLimitMiddleware(cfg.Limiter, r))
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, schema.Health{
		OK:   true,
		Time: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func handleVersion(w http.ResponseWriter, _ *http.Request) {
	v := version.Get()
	writeJSON(w, http.StatusOK, schema.VersionInfo{
		Version:   v.Version,
		Commit:    v.Commit,
		GoVersion: v.GoVersion,
		Platform:  v.Platform,
	})
}

func handleStatus(log *slog.Logger, cfg HTTPServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		tip := cfg.Chain.Tip()
		st := schema.NodeStatus{
			StartedAt:   cfg.StartedAt.UTC().Format(time.RFC3339Nano),
			UptimeSec:   int64(time.Since(cfg.StartedAt).Seconds()),
			Height:      tip.Index,
			TipHash:     tip.Hash,
			Validators:  cfg.Validators.Count(),
			TotalStake:  cfg.Validators.TotalStake(),
			Subscribers: cfg.Trigger.SubscriberCount(),
			ExportFile:  cfg.ExportFile,
		}
		if cfg.Sessions != nil {
			st.Sessions = cfg.Sessions.SessionCount()
		}

		round, err := cfg.Rounds.Pending(req.Context())
		if err != nil {
			log.Debug("status without round state", "err", err)
		} else {
			st.RoundOpen = round.Open
			st.Rounds = round.Number
		}

		writeJSON(w, http.StatusOK, st)
	}
}

func handleChain(cfg HTTPServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		blocks := cfg.Chain.Blocks()
		out := schema.Chain{Blocks: make([]schema.Block, len(blocks))}
		for i, b := range blocks {
			out.Blocks[i] = toAPIBlock(b)
		}
		if n := len(blocks); n > 0 {
			out.Height = blocks[n-1].Index
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleTip(cfg HTTPServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, toAPIBlock(cfg.Chain.Tip()))
	}
}

func handleBlockAt(cfg HTTPServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		index, err := strconv.ParseUint(mux.Vars(req)["index"], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid block index")
			return
		}

		b, err := cfg.Chain.BlockAt(index)
		if err != nil {
			if errors.Is(err, blockchain.ErrBlockNotFound) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, toAPIBlock(b))
	}
}

func handleValidators(cfg HTTPServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		vals := cfg.Validators.Snapshot()
		out := schema.ValidatorList{
			Count:      len(vals),
			TotalStake: cfg.Validators.TotalStake(),
			Validators: make([]schema.Validator, len(vals)),
		}
		for i, v := range vals {
			out.Validators[i] = schema.Validator{
				ID:           v.ID,
				Stake:        v.Stake,
				RegisteredAt: v.RegisteredAt,
				UpdatedAt:    v.UpdatedAt,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleRounds(cfg HTTPServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		hist := cfg.Rounds.History()

		// Newest first.
		out := schema.RoundList{Count: len(hist), Rounds: make([]schema.RoundOutcome, len(hist))}
		for i, o := range hist {
			out.Rounds[len(hist)-1-i] = toAPIOutcome(o)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCurrentRound(log *slog.Logger, cfg HTTPServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		s, err := cfg.Rounds.Pending(req.Context())
		if err != nil {
			log.Warn("failed to read open round", "err", err)
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, schema.RoundStatus{
			Open:      s.Open,
			ID:        s.ID,
			Number:    s.Number,
			OpenedAt:  s.OpenedAt,
			Expected:  s.Expected,
			Proposed:  s.Proposed,
			Waiting:   s.Waiting,
			Late:      s.Late,
			Proposals: s.Proposals,
		})
	}
}

func handleRound(cfg HTTPServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		o, ok := cfg.Rounds.Round(mux.Vars(req)["id"])
		if !ok {
			writeError(w, http.StatusNotFound, "round not found")
			return
		}
		writeJSON(w, http.StatusOK, toAPIOutcome(o))
	}
}

func handleTrigger(log *slog.Logger, cfg HTTPServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		res := cfg.Trigger.Fire()
		log.Info("manual round trigger",
			"delivered", res.Delivered,
			"dropped", res.Dropped,
			"pruned", res.Pruned,
		)
		writeJSON(w, http.StatusOK, schema.TriggerResult{
			OK:        true,
			Delivered: res.Delivered,
			Dropped:   res.Dropped,
			Pruned:    res.Pruned,
		})
	}
}

func toAPIBlock(b blockchain.Block) schema.Block {
	return schema.Block{
		Index:     b.Index,
		Timestamp: b.Timestamp,
		PrevHash:  b.PrevHash,
		Validator: b.Validator,
		Hash:      b.Hash,
	}
}

func toAPIOutcome(o consensus.RoundOutcome) schema.RoundOutcome {
	return schema.RoundOutcome{
		ID:         o.ID,
		Number:     o.Number,
		OpenedAt:   o.OpenedAt,
		ResolvedAt: o.ResolvedAt,
		Expected:   o.Expected,
		Proposers:  o.Proposers,
		Proposals:  o.Proposals,
		Winner:     o.Winner,
		PoolTotal:  o.PoolTotal,
		Committed:  o.Committed,
		Rejected:   o.Rejected,
		Err:        o.Err,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, schema.Error{OK: false, Error: msg})
}

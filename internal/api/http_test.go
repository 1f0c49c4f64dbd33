package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/VeltarosLabs/stakechain/internal/api"
	"github.com/VeltarosLabs/stakechain/internal/blockchain"
	"github.com/VeltarosLabs/stakechain/internal/consensus"
	"github.com/VeltarosLabs/stakechain/internal/gtest"
	"github.com/VeltarosLabs/stakechain/internal/staking"
	schema "github.com/VeltarosLabs/stakechain/pkg/api"
	"github.com/stretchr/testify/require"
)

type node struct {
	Chain    *blockchain.Chain
	Registry *staking.Registry
	Trigger  *consensus.Trigger
	Agg      *consensus.Aggregator
	Outcomes chan consensus.RoundOutcome
}

func newNode(t *testing.T) *node {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	log := gtest.NewLogger(t)

	n := &node{
		Chain:    blockchain.New(),
		Registry: staking.NewRegistry(),
		Outcomes: make(chan consensus.RoundOutcome, 4),
	}
	n.Trigger = consensus.NewTrigger(ctx, log, consensus.TriggerConfig{})

	agg, err := consensus.NewAggregator(ctx, log, consensus.AggregatorConfig{
		Chain:       n.Chain,
		Validators:  n.Registry,
		Notifier:    n.Trigger,
		OutcomesOut: n.Outcomes,
	})
	require.NoError(t, err)
	n.Agg = agg

	t.Cleanup(func() {
		cancel()
		n.Agg.Wait()
		n.Trigger.Wait()
	})
	return n
}

// resolveRound registers id and has every registered validator propose once.
func (n *node) resolveRound(t *testing.T, id string) consensus.RoundOutcome {
	t.Helper()

	require.NoError(t, n.Registry.Register(id, 1))
	tip := n.Chain.Tip()
	for _, v := range n.Registry.IDs() {
		require.NoError(t, n.Agg.Submit(blockchain.NextBlock(tip, v)))
	}
	return gtest.ReceiveSoon(t, n.Outcomes)
}

func (n *node) config(mutate ...func(*api.HTTPServerConfig)) api.HTTPServerConfig {
	cfg := api.HTTPServerConfig{
		Chain:      n.Chain,
		Validators: n.Registry,
		Rounds:     n.Agg,
		Trigger:    n.Trigger,
		StartedAt:  time.Now().Add(-time.Minute),
		ExportFile: "data/chain.json",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return cfg
}

func serve(t *testing.T, cfg api.HTTPServerConfig) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(api.NewHandler(gtest.NewLogger(t), cfg))
	t.Cleanup(srv.Close)
	return srv
}

func client(t *testing.T, srv *httptest.Server, opts ...schema.Option) *schema.Client {
	t.Helper()

	c, err := schema.New(srv.URL, opts...)
	require.NoError(t, err)
	return c
}

func do(t *testing.T, method, url string, header http.Header) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAPI_chainEndpoints(t *testing.T) {
	t.Parallel()

	n := newNode(t)
	out := n.resolveRound(t, "v1")

	ctx := context.Background()
	c := client(t, serve(t, n.config()))

	h, err := c.Health(ctx)
	require.NoError(t, err)
	require.True(t, h.OK)

	v, err := c.Version(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, v.Version)

	chain, err := c.Chain(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), chain.Height)
	require.Len(t, chain.Blocks, 2)
	require.Equal(t, blockchain.GenesisValidator, chain.Blocks[0].Validator)

	tip, err := c.Tip(ctx)
	require.NoError(t, err)
	require.Equal(t, out.Committed[0], tip.Hash)
	require.Equal(t, "v1", tip.Validator)

	b, err := c.BlockAt(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, blockchain.NewGenesisBlock().Hash, b.Hash)

	_, err = c.BlockAt(ctx, 7)
	require.ErrorIs(t, err, schema.ErrNotFound)
}

func TestAPI_status(t *testing.T) {
	t.Parallel()

	n := newNode(t)
	_ = n.resolveRound(t, "v1")
	require.NoError(t, n.Registry.Register("v2", 4))

	st, err := client(t, serve(t, n.config())).Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.Height)
	require.Equal(t, n.Chain.Tip().Hash, st.TipHash)
	require.Equal(t, 2, st.Validators)
	require.Equal(t, uint64(5), st.TotalStake)
	require.Equal(t, uint64(1), st.Rounds)
	require.False(t, st.RoundOpen)
	require.Equal(t, "data/chain.json", st.ExportFile)
	require.GreaterOrEqual(t, st.UptimeSec, int64(59))
}

func TestAPI_validatorsAndRounds(t *testing.T) {
	t.Parallel()

	n := newNode(t)
	first := n.resolveRound(t, "b")
	second := n.resolveRound(t, "a")

	ctx := context.Background()
	c := client(t, serve(t, n.config()))

	vals, err := c.Validators(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, vals.Count)
	require.Equal(t, "a", vals.Validators[0].ID)
	require.Equal(t, "b", vals.Validators[1].ID)

	rounds, err := c.Rounds(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, rounds.Count)
	require.Equal(t, second.ID, rounds.Rounds[0].ID)
	require.Equal(t, first.ID, rounds.Rounds[1].ID)

	r, err := c.Round(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, "b", r.Winner)
	require.Equal(t, first.Committed, r.Committed)

	_, err = c.Round(ctx, "no-such-round")
	require.ErrorIs(t, err, schema.ErrNotFound)

	// Registry has a, b; only a proposes, so the round stays open.
	require.NoError(t, n.Agg.Submit(blockchain.NextBlock(n.Chain.Tip(), "a")))
	gtest.Eventually(t, func() bool {
		cur, err := c.CurrentRound(ctx)
		return err == nil && cur.Open
	}, "round open")

	cur, err := c.CurrentRound(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), cur.Number)
	require.Equal(t, []string{"a"}, cur.Proposed)
	require.Equal(t, []string{"b"}, cur.Waiting)
}

func TestAPI_devTrigger(t *testing.T) {
	t.Parallel()

	n := newNode(t)
	sub := n.Trigger.Subscribe()
	defer sub.Close()

	off := serve(t, n.config())
	resp := do(t, http.MethodPost, off.URL+"/dev/trigger", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	on := serve(t, n.config(func(c *api.HTTPServerConfig) {
		c.DevMode = true
		c.Security = api.SecurityConfig{APIKey: "secret", KeyPrefixes: []string{"/dev/"}}
	}))

	resp = do(t, http.MethodPost, on.URL+"/dev/trigger", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	gtest.NotSending(t, sub.C)

	res, err := client(t, on, schema.WithAPIKey("secret")).Trigger(context.Background())
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, 1, res.Delivered)
	require.Equal(t, consensus.NotifyPropose, gtest.ReceiveSoon(t, sub.C).Kind)

	// Reads stay open without a key.
	resp = do(t, http.MethodGet, on.URL+"/chain/tip", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_errorsAndHeaders(t *testing.T) {
	t.Parallel()

	n := newNode(t)
	srv := serve(t, n.config(func(c *api.HTTPServerConfig) {
		c.Security = api.SecurityConfig{AllowedOrigins: []string{"https://explorer.example"}}
	}))

	resp := do(t, http.MethodPost, srv.URL+"/healthz", nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/chain/blocks/abc", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var e schema.Error
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	require.False(t, e.OK)
	require.NotEmpty(t, e.Error)

	resp = do(t, http.MethodGet, srv.URL+"/healthz", http.Header{"Origin": {"https://explorer.example"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	require.Equal(t, "https://explorer.example", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = do(t, http.MethodGet, srv.URL+"/healthz", http.Header{"Origin": {"https://evil.example"}})
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAPI_rateLimit(t *testing.T) {
	t.Parallel()

	n := newNode(t)
	srv := serve(t, n.config(func(c *api.HTTPServerConfig) {
		c.Limiter = api.NewLimiter(0.01, 2)
	}))

	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/healthz", nil).StatusCode)
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/healthz", nil).StatusCode)

	resp := do(t, http.MethodGet, srv.URL+"/healthz", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
}

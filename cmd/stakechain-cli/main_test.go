package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/VeltarosLabs/stakechain/internal/api"
	"github.com/VeltarosLabs/stakechain/internal/blockchain"
	"github.com/VeltarosLabs/stakechain/internal/gtest"
	"github.com/VeltarosLabs/stakechain/internal/staking"
	"github.com/pterm/pterm"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	pterm.DisableStyling()
	t.Cleanup(pterm.EnableStyling)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func exportChain(t *testing.T, n int) (string, *blockchain.Chain) {
	t.Helper()

	c := blockchain.New()
	for i := 0; i < n; i++ {
		require.NoError(t, c.Append(blockchain.NextBlock(c.Tip(), "v1")))
	}
	path := filepath.Join(t.TempDir(), "chain.json")
	require.NoError(t, blockchain.NewBlockStore(path).Export(c))
	return path, c
}

func TestVerify_ok(t *testing.T) {
	path, c := exportChain(t, 3)

	out, err := run(t, "verify", "--file", path)
	require.NoError(t, err)
	require.Contains(t, out, "OK: 4 blocks, height 3")
	require.Contains(t, out, c.Tip().Hash)
}

func TestVerify_tampered(t *testing.T) {
	path, _ := exportChain(t, 2)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var exp blockchain.ChainExport
	require.NoError(t, json.Unmarshal(raw, &exp))
	exp.Blocks[1].Validator = "mallory"

	raw, err = json.Marshal(exp)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = run(t, "verify", "--file", path)
	require.ErrorContains(t, err, "INVALID")
	require.ErrorIs(t, err, blockchain.ErrInvalidBlock)
}

func TestVerify_requiresFile(t *testing.T) {
	_, err := run(t, "verify")
	require.ErrorContains(t, err, "--file is required")

	_, err = run(t, "verify", "--file", filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorContains(t, err, "load export")
}

func TestChainCommands(t *testing.T) {
	c := blockchain.New()
	require.NoError(t, c.Append(blockchain.NextBlock(c.Tip(), "v1")))

	reg := staking.NewRegistry()
	require.NoError(t, reg.Register("v1", 30))
	require.NoError(t, reg.Register("v2", 10))

	srv := httptest.NewServer(api.NewHandler(gtest.NewLogger(t), api.HTTPServerConfig{
		Chain:      c,
		Validators: reg,
	}))
	t.Cleanup(srv.Close)

	out, err := run(t, "--node", srv.URL, "tip")
	require.NoError(t, err)
	require.Contains(t, out, c.Tip().Hash)

	out, err = run(t, "--node", srv.URL, "chain", "--index", "0")
	require.NoError(t, err)
	require.Contains(t, out, c.Genesis().Hash)
	require.NotContains(t, out, c.Tip().Hash)

	out, err = run(t, "--node", srv.URL, "validators")
	require.NoError(t, err)
	require.Contains(t, out, "75.0%")
	require.Contains(t, out, "25.0%")

	_, err = run(t, "--node", srv.URL, "chain", "--index", "9")
	require.Error(t, err)
}

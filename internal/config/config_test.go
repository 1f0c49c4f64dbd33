package config_test

import (
	"testing"
	"time"

	"github.com/VeltarosLabs/stakechain/internal/config"
	"github.com/stretchr/testify/require"
)

func TestParseNodeFlags_defaults(t *testing.T) {
	p, err := config.ParseNodeFlags(nil)
	require.NoError(t, err)
	require.Equal(t, config.Default(), withEmptyOrigins(p.Config))

	require.Equal(t, "127.0.0.1:8080", p.Config.Node.ListenAddr)
	require.Equal(t, 5*time.Second, p.Config.Node.RoundInterval)
	require.Equal(t, 16, p.Config.Node.ProposalBuffer)
	require.Equal(t, 30*time.Second, p.Config.Storage.ExportInterval)
}

func TestParseNodeFlags_flagsOverride(t *testing.T) {
	p, err := config.ParseNodeFlags([]string{
		"-node.listen", "0.0.0.0:9000",
		"-node.roundInterval", "250ms",
		"-node.tipEcho", "500ms",
		"-api.origins", "https://a.example, ,https://b.example",
		"-api.dev",
		"-log.format", "pretty",
	})
	require.NoError(t, err)

	cfg := p.Config
	require.Equal(t, "0.0.0.0:9000", cfg.Node.ListenAddr)
	require.Equal(t, 250*time.Millisecond, cfg.Node.RoundInterval)
	require.Equal(t, 500*time.Millisecond, cfg.Node.TipEcho)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.API.AllowedOrigins)
	require.True(t, cfg.API.DevMode)
	require.Equal(t, "pretty", cfg.Log.Format)
}

func TestParseNodeFlags_envFallback(t *testing.T) {
	t.Setenv("STAKECHAIN_MAX_SESSIONS", "12")
	t.Setenv("STAKECHAIN_ROUND_INTERVAL", "2s")
	t.Setenv("STAKECHAIN_API_ENABLED", "off")
	t.Setenv("STAKECHAIN_API_KEY", " secret ")
	t.Setenv("STAKECHAIN_HISTORY_SIZE", "not-a-number")

	p, err := config.ParseNodeFlags(nil)
	require.NoError(t, err)
	require.Equal(t, 12, p.Config.Node.MaxSessions)
	require.Equal(t, 2*time.Second, p.Config.Node.RoundInterval)
	require.False(t, p.Config.API.Enabled)
	require.Equal(t, "secret", p.Config.API.APIKey)

	// Unparseable values fall back to the default.
	require.Equal(t, config.Default().Node.HistorySize, p.Config.Node.HistorySize)

	// Flags win over the environment.
	p, err = config.ParseNodeFlags([]string{"-node.maxSessions", "3"})
	require.NoError(t, err)
	require.Equal(t, 3, p.Config.Node.MaxSessions)
}

func TestParseNodeFlags_rejectsInvalid(t *testing.T) {
	for name, args := range map[string][]string{
		"empty listen":   {"-node.listen", " "},
		"zero sessions":  {"-node.maxSessions", "0"},
		"zero interval":  {"-node.roundInterval", "0s"},
		"zero buffer":    {"-node.proposalBuffer", "0"},
		"negative echo":  {"-node.tipEcho", "-1s"},
		"bad level":      {"-log.level", "loud"},
		"bad format":     {"-log.format", "xml"},
		"same listen":    {"-api.listen", "127.0.0.1:8080"},
		"negative rate":  {"-api.rateLimit", "-1"},
		"empty data dir": {"-data.dir", ""},
		"zero export":    {"-data.exportInterval", "0s"},
		"unknown flag":   {"-p2p.listen", "x"},
		"zero burst":     {"-api.rateBurst", "0"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParseNodeFlags(args)
			require.Error(t, err)
		})
	}
}

func withEmptyOrigins(c config.Config) config.Config {
	if len(c.API.AllowedOrigins) == 0 {
		c.API.AllowedOrigins = nil
	}
	return c
}

package overrides

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestTokenCapResolutionOrder(t *testing.T) {
	o, err := New(Config{
		Defaults: Limits{
			TokenCaps: map[string]int64{
				"gpt-4o": 500_000,
			},
		},
	}, prometheus.NewRegistry())
	require.NoError(t, err)

	// Configured default beats the provider table.
	require.Equal(t, int64(500_000), o.TokenCapForModel("gpt-4o-2024-08-06"))

	// Provider default table by prefix.
	require.Equal(t, int64(10_000_000_000), o.TokenCapForModel("o4-mini-2025-04-16"))

	// Unknown model falls back to the hard default.
	require.Equal(t, int64(DefaultTokenCap), o.TokenCapForModel("weird-model"))
}

func TestLongestPrefixWins(t *testing.T) {
	caps := map[string]int64{
		"gpt-4o":      1,
		"gpt-4o-mini": 2,
		"gpt":         3,
	}

	cap, ok := longestPrefixCap(caps, "gpt-4o-mini-2024")
	require.True(t, ok)
	require.Equal(t, int64(2), cap)

	cap, ok = longestPrefixCap(caps, "gpt-4o-2024")
	require.True(t, ok)
	require.Equal(t, int64(1), cap)

	_, ok = longestPrefixCap(caps, "claude-3")
	require.False(t, ok)
}

func TestLoadOverridesFile(t *testing.T) {
	doc := `
token_caps:
  gpt-4o: 2300000
max_requests_per_batch: 100
`
	v, err := loadOverrides(strings.NewReader(doc))
	require.NoError(t, err)

	limits := v.(*Limits)
	require.Equal(t, int64(2_300_000), limits.TokenCaps["gpt-4o"])
	require.Equal(t, int64(100), limits.MaxRequestsPerBatch)
}

func TestLoadOverridesRejectsUnknownKeys(t *testing.T) {
	_, err := loadOverrides(strings.NewReader("tokenn_caps: {}\n"))
	require.Error(t, err)
}

func TestTokenLimitBackoffDoublesAndCaps(t *testing.T) {
	o, err := New(Config{
		Defaults: Limits{
			TokenLimitBackoffBase: time.Minute,
			TokenLimitBackoffCap:  10 * time.Minute,
		},
	}, prometheus.NewRegistry())
	require.NoError(t, err)

	require.Equal(t, time.Minute, o.TokenLimitBackoff(1))
	require.Equal(t, 2*time.Minute, o.TokenLimitBackoff(2))
	require.Equal(t, 4*time.Minute, o.TokenLimitBackoff(3))
	require.Equal(t, 8*time.Minute, o.TokenLimitBackoff(4))
	require.Equal(t, 10*time.Minute, o.TokenLimitBackoff(5))
	require.Equal(t, 10*time.Minute, o.TokenLimitBackoff(50))
}

func TestDefaultsApplyWhenUnset(t *testing.T) {
	o, err := New(Config{}, prometheus.NewRegistry())
	require.NoError(t, err)

	require.Equal(t, int64(DefaultMaxRequestsPerBatch), o.MaxRequestsPerBatch())
	require.Equal(t, int64(DefaultMaxBatchSizeBytes), o.MaxBatchSizeBytes())
	require.Equal(t, DefaultMaxTokenLimitRetries, o.MaxTokenLimitRetries())

	connect, read := o.WebhookTimeouts()
	require.Equal(t, 10*time.Second, connect)
	require.Equal(t, 30*time.Second, read)
}

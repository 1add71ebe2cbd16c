package overrides

import (
	"flag"
	"time"
)

const (
	// DefaultTokenCap applies when neither an override nor the
	// provider-default table matches the model.
	DefaultTokenCap = 2_000_000

	DefaultMaxRequestsPerBatch = 50_000
	DefaultMaxBatchSizeBytes   = 100 << 20 // 100 MiB
	DefaultMaxTokenLimitRetries = 5
)

// providerDefaultCaps mirrors the provider's published per-model
// enqueued-token limits, matched by model prefix.
var providerDefaultCaps = map[string]int64{
	"gpt-4o-mini":    10_000_000_000,
	"gpt-4o":         2_000_000_000,
	"gpt-4.1-mini":   10_000_000_000,
	"gpt-4.1":        2_000_000_000,
	"gpt-5":          2_000_000_000,
	"o3":             2_000_000_000,
	"o4-mini":        10_000_000_000,
	"text-embedding": 4_000_000_000,
}

// Limits holds every tunable the workflow consults at job start.
// Zero values fall back to the compiled defaults.
type Limits struct {
	// TokenCaps maps model prefixes to enqueued-token budgets. The
	// longest matching prefix wins.
	TokenCaps map[string]int64 `yaml:"token_caps,omitempty"`

	MaxRequestsPerBatch int64 `yaml:"max_requests_per_batch,omitempty"`
	MaxBatchSizeBytes   int64 `yaml:"max_batch_size_bytes,omitempty"`

	// MaxBatchAge closes a building batch that has not filled up.
	MaxBatchAge time.Duration `yaml:"max_batch_age,omitempty"`

	MaxTokenLimitRetries  int           `yaml:"max_token_limit_retries,omitempty"`
	TokenLimitBackoffBase time.Duration `yaml:"token_limit_backoff_base,omitempty"`
	TokenLimitBackoffCap  time.Duration `yaml:"token_limit_backoff_cap,omitempty"`

	WebhookConnectTimeout time.Duration `yaml:"webhook_connect_timeout,omitempty"`
	WebhookReadTimeout    time.Duration `yaml:"webhook_read_timeout,omitempty"`
}

func (l *Limits) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Int64Var(&l.MaxRequestsPerBatch, prefix+"limits.max-requests-per-batch", DefaultMaxRequestsPerBatch, "Maximum requests per provider batch")
	f.Int64Var(&l.MaxBatchSizeBytes, prefix+"limits.max-batch-size-bytes", DefaultMaxBatchSizeBytes, "Maximum upload file size per batch in bytes")
	f.DurationVar(&l.MaxBatchAge, prefix+"limits.max-batch-age", time.Hour, "Age at which a non-empty building batch is closed and uploaded")
	f.IntVar(&l.MaxTokenLimitRetries, prefix+"limits.max-token-limit-retries", DefaultMaxTokenLimitRetries, "Token-limit rejections tolerated before a batch fails")
	f.DurationVar(&l.TokenLimitBackoffBase, prefix+"limits.token-limit-backoff-base", time.Minute, "Base delay for token-limit backoff")
	f.DurationVar(&l.TokenLimitBackoffCap, prefix+"limits.token-limit-backoff-cap", time.Hour, "Maximum delay for token-limit backoff")
	f.DurationVar(&l.WebhookConnectTimeout, prefix+"limits.webhook-connect-timeout", 10*time.Second, "Connect timeout for webhook deliveries")
	f.DurationVar(&l.WebhookReadTimeout, prefix+"limits.webhook-read-timeout", 30*time.Second, "Read timeout for webhook deliveries")
}

// longestPrefixCap resolves a token cap by longest matching prefix.
func longestPrefixCap(caps map[string]int64, model string) (int64, bool) {
	var (
		bestLen = -1
		bestCap int64
	)
	for prefix, cap := range caps {
		if len(prefix) > len(model) || model[:len(prefix)] != prefix {
			continue
		}
		if len(prefix) > bestLen {
			bestLen = len(prefix)
			bestCap = cap
		}
	}
	return bestCap, bestLen >= 0
}

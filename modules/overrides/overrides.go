// Package overrides resolves the effective limits the workflow runs
// under. Defaults come from configuration; a per-model overrides file
// may be hot-reloaded at runtime, so the next job simply observes the
// new values.
package overrides

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/runtimeconfig"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/yaml.v2"

	"github.com/driftq/driftq/pkg/util/log"
)

var metricTokenCaps = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "driftq",
	Name:      "limits_token_cap",
	Help:      "Effective per-model-prefix token caps",
}, []string{"model_prefix"})

// Interface is what the workflow modules consume.
type Interface interface {
	TokenCapForModel(model string) int64
	MaxRequestsPerBatch() int64
	MaxBatchSizeBytes() int64
	MaxBatchAge() time.Duration
	MaxTokenLimitRetries() int
	TokenLimitBackoff(attempts int) time.Duration
	WebhookTimeouts() (connect, read time.Duration)
}

type Config struct {
	Defaults Limits `yaml:"defaults"`

	// OverridesFile is a YAML file containing a Limits document that
	// shadows the defaults. It is watched and reloaded.
	OverridesFile string        `yaml:"overrides_file"`
	ReloadPeriod  time.Duration `yaml:"reload_period"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Defaults.RegisterFlagsAndApplyDefaults(prefix, f)
	f.StringVar(&cfg.OverridesFile, prefix+"overrides.file", "", "Hot-reloadable limits overrides file")
	f.DurationVar(&cfg.ReloadPeriod, prefix+"overrides.reload-period", 10*time.Second, "How often to reload the overrides file")
}

// loadOverrides is of type runtimeconfig.Loader.
func loadOverrides(r io.Reader) (interface{}, error) {
	var limits Limits

	decoder := yaml.NewDecoder(r)
	decoder.SetStrict(true)
	if err := decoder.Decode(&limits); err != nil && err != io.EOF {
		return nil, err
	}

	for prefix, cap := range limits.TokenCaps {
		metricTokenCaps.WithLabelValues(prefix).Set(float64(cap))
	}

	return &limits, nil
}

// Overrides merges default limits with the hot-reloaded file.
type Overrides struct {
	services.Service

	defaults         Limits
	runtimeConfigMgr *runtimeconfig.Manager

	subservices        *services.Manager
	subservicesWatcher *services.FailureWatcher
}

var _ Interface = (*Overrides)(nil)

func New(cfg Config, reg prometheus.Registerer) (*Overrides, error) {
	o := &Overrides{
		defaults: cfg.Defaults,
	}

	if cfg.OverridesFile != "" {
		runtimeCfg := runtimeconfig.Config{
			LoadPath:     flagext.StringSliceCSV{cfg.OverridesFile},
			ReloadPeriod: cfg.ReloadPeriod,
			Loader:       loadOverrides,
		}
		mgr, err := runtimeconfig.New(runtimeCfg, "driftq-overrides", prometheus.WrapRegistererWithPrefix("driftq_", reg), log.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create runtime config manager: %w", err)
		}
		o.runtimeConfigMgr = mgr

		o.subservices, err = services.NewManager(mgr)
		if err != nil {
			return nil, fmt.Errorf("failed to create subservices: %w", err)
		}
		o.subservicesWatcher = services.NewFailureWatcher()
		o.subservicesWatcher.WatchManager(o.subservices)
	}

	o.Service = services.NewBasicService(o.starting, o.running, o.stopping)
	return o, nil
}

func (o *Overrides) starting(ctx context.Context) error {
	if o.subservices == nil {
		return nil
	}
	if err := services.StartManagerAndAwaitHealthy(ctx, o.subservices); err != nil {
		return fmt.Errorf("failed to start overrides subservices: %w", err)
	}
	return nil
}

func (o *Overrides) running(ctx context.Context) error {
	if o.subservices == nil {
		<-ctx.Done()
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-o.subservicesWatcher.Chan():
		return fmt.Errorf("overrides subservice failed: %w", err)
	}
}

func (o *Overrides) stopping(_ error) error {
	if o.subservices == nil {
		return nil
	}
	return services.StopManagerAndAwaitStopped(context.Background(), o.subservices)
}

// fileLimits returns the most recently loaded overrides file, or nil.
func (o *Overrides) fileLimits() *Limits {
	if o.runtimeConfigMgr == nil {
		return nil
	}
	l, ok := o.runtimeConfigMgr.GetConfig().(*Limits)
	if !ok {
		return nil
	}
	return l
}

// TokenCapForModel resolves the effective enqueued-token cap for a
// model: file override, then configured default, then the provider
// default table, then the hard default. Prefix matches are resolved
// longest-first throughout.
func (o *Overrides) TokenCapForModel(model string) int64 {
	if l := o.fileLimits(); l != nil {
		if cap, ok := longestPrefixCap(l.TokenCaps, model); ok {
			return cap
		}
	}
	if cap, ok := longestPrefixCap(o.defaults.TokenCaps, model); ok {
		return cap
	}
	if cap, ok := longestPrefixCap(providerDefaultCaps, model); ok {
		return cap
	}
	return DefaultTokenCap
}

func (o *Overrides) MaxRequestsPerBatch() int64 {
	if l := o.fileLimits(); l != nil && l.MaxRequestsPerBatch > 0 {
		return l.MaxRequestsPerBatch
	}
	if o.defaults.MaxRequestsPerBatch > 0 {
		return o.defaults.MaxRequestsPerBatch
	}
	return DefaultMaxRequestsPerBatch
}

func (o *Overrides) MaxBatchSizeBytes() int64 {
	if l := o.fileLimits(); l != nil && l.MaxBatchSizeBytes > 0 {
		return l.MaxBatchSizeBytes
	}
	if o.defaults.MaxBatchSizeBytes > 0 {
		return o.defaults.MaxBatchSizeBytes
	}
	return DefaultMaxBatchSizeBytes
}

func (o *Overrides) MaxBatchAge() time.Duration {
	if l := o.fileLimits(); l != nil && l.MaxBatchAge > 0 {
		return l.MaxBatchAge
	}
	if o.defaults.MaxBatchAge > 0 {
		return o.defaults.MaxBatchAge
	}
	return time.Hour
}

func (o *Overrides) MaxTokenLimitRetries() int {
	if l := o.fileLimits(); l != nil && l.MaxTokenLimitRetries > 0 {
		return l.MaxTokenLimitRetries
	}
	if o.defaults.MaxTokenLimitRetries > 0 {
		return o.defaults.MaxTokenLimitRetries
	}
	return DefaultMaxTokenLimitRetries
}

// TokenLimitBackoff returns the delay before retrying a token-limited
// submission: base * 2^(attempts-1), capped.
func (o *Overrides) TokenLimitBackoff(attempts int) time.Duration {
	base := o.defaults.TokenLimitBackoffBase
	cap := o.defaults.TokenLimitBackoffCap
	if l := o.fileLimits(); l != nil {
		if l.TokenLimitBackoffBase > 0 {
			base = l.TokenLimitBackoffBase
		}
		if l.TokenLimitBackoffCap > 0 {
			cap = l.TokenLimitBackoffCap
		}
	}
	if base <= 0 {
		base = time.Minute
	}
	if cap <= 0 {
		cap = time.Hour
	}

	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

func (o *Overrides) WebhookTimeouts() (time.Duration, time.Duration) {
	connect := o.defaults.WebhookConnectTimeout
	read := o.defaults.WebhookReadTimeout
	if l := o.fileLimits(); l != nil {
		if l.WebhookConnectTimeout > 0 {
			connect = l.WebhookConnectTimeout
		}
		if l.WebhookReadTimeout > 0 {
			read = l.WebhookReadTimeout
		}
	}
	if connect <= 0 {
		connect = 10 * time.Second
	}
	if read <= 0 {
		read = 30 * time.Second
	}
	return connect, read
}

package frontend

import (
	"flag"
	"time"
)

type Config struct {
	ListenAddress   string        `yaml:"listen_address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ListenAddress, prefix+"frontend.listen-address", ":3200", "Address the HTTP API listens on")
	f.DurationVar(&cfg.ReadTimeout, prefix+"frontend.read-timeout", 30*time.Second, "HTTP server read timeout")
	f.DurationVar(&cfg.WriteTimeout, prefix+"frontend.write-timeout", 30*time.Second, "HTTP server write timeout")
	f.DurationVar(&cfg.ShutdownTimeout, prefix+"frontend.shutdown-timeout", 10*time.Second, "Grace period for draining connections on shutdown")
	f.Int64Var(&cfg.MaxBodyBytes, prefix+"frontend.max-body-bytes", 10<<20, "Largest accepted request body")
}

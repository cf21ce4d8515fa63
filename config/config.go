// Package config loads mpackrpcd settings from a TOML file.
//
//	[server]
//	listen = ":7070"
//	advertise = "10.0.0.5:7070"
//	table_capacity = 64
//
//	[registry]
//	endpoints = ["127.0.0.1:2379"]
//	ttl_seconds = 10
//	dial_timeout = "5s"
//
//	[limit]
//	rate = 1000
//	burst = 100
//	max_concurrent = 256
//
//	[client]
//	balancer = "ConsistentHash"
//	pool_size = 4
//	dial_timeout = "3s"
//
//	[log]
//	level = "info"
//
// Keys missing from the file keep their Default value. An empty endpoint
// list disables the registry. The server reads [server] and [limit], the
// caller reads [client]; both share [registry] and [log].
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mpack-rpc/loadbalance"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   Server
	Registry Registry
	Limit    Limit
	Client   Client
	Log      Log
}

type Server struct {
	Listen        string
	Advertise     string
	TableCapacity uint32
}

type Registry struct {
	Endpoints   []string
	TTLSeconds  int64
	DialTimeout time.Duration
}

// Limit configures admission of inbound requests. A zero Rate disables
// rate limiting and a zero MaxConcurrent leaves concurrency unbounded.
type Limit struct {
	Rate          float64
	Burst         int
	MaxConcurrent int
}

// Client configures outbound calls. Balancer names a loadbalance strategy.
type Client struct {
	Balancer    string
	PoolSize    int
	DialTimeout time.Duration
}

type Log struct {
	Level string
}

type fileConfig struct {
	Server struct {
		Listen        string `toml:"listen"`
		Advertise     string `toml:"advertise"`
		TableCapacity uint32 `toml:"table_capacity"`
	} `toml:"server"`
	Registry struct {
		Endpoints   []string `toml:"endpoints"`
		TTLSeconds  int64    `toml:"ttl_seconds"`
		DialTimeout string   `toml:"dial_timeout"`
	} `toml:"registry"`
	Limit struct {
		Rate          float64 `toml:"rate"`
		Burst         int     `toml:"burst"`
		MaxConcurrent int     `toml:"max_concurrent"`
	} `toml:"limit"`
	Client struct {
		Balancer    string `toml:"balancer"`
		PoolSize    int    `toml:"pool_size"`
		DialTimeout string `toml:"dial_timeout"`
	} `toml:"client"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

func Default() Config {
	return Config{
		Server: Server{
			Listen:        ":7070",
			TableCapacity: 32,
		},
		Registry: Registry{
			TTLSeconds:  10,
			DialTimeout: 5 * time.Second,
		},
		Client: Client{
			Balancer:    "RoundRobin",
			PoolSize:    2,
			DialTimeout: 5 * time.Second,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	cfg := Default()
	if meta.IsDefined("server", "listen") {
		cfg.Server.Listen = strings.TrimSpace(raw.Server.Listen)
	}
	if meta.IsDefined("server", "advertise") {
		cfg.Server.Advertise = strings.TrimSpace(raw.Server.Advertise)
	}
	if meta.IsDefined("server", "table_capacity") {
		cfg.Server.TableCapacity = raw.Server.TableCapacity
	}
	if meta.IsDefined("registry", "endpoints") {
		cfg.Registry.Endpoints = normalizeEndpoints(raw.Registry.Endpoints)
	}
	if meta.IsDefined("registry", "ttl_seconds") {
		cfg.Registry.TTLSeconds = raw.Registry.TTLSeconds
	}
	if meta.IsDefined("registry", "dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Registry.DialTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse dial_timeout: %w", err)
		}
		cfg.Registry.DialTimeout = d
	}
	if meta.IsDefined("limit", "rate") {
		cfg.Limit.Rate = raw.Limit.Rate
	}
	if meta.IsDefined("limit", "burst") {
		cfg.Limit.Burst = raw.Limit.Burst
	}
	if meta.IsDefined("limit", "max_concurrent") {
		cfg.Limit.MaxConcurrent = raw.Limit.MaxConcurrent
	}
	if meta.IsDefined("client", "balancer") {
		cfg.Client.Balancer = strings.TrimSpace(raw.Client.Balancer)
	}
	if meta.IsDefined("client", "pool_size") {
		cfg.Client.PoolSize = raw.Client.PoolSize
	}
	if meta.IsDefined("client", "dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Client.DialTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse client.dial_timeout: %w", err)
		}
		cfg.Client.DialTimeout = d
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is empty"))
	}
	if c.Server.TableCapacity%2 != 0 {
		errs = append(errs, fmt.Errorf("server.table_capacity must be even, got %d", c.Server.TableCapacity))
	}
	if len(c.Registry.Endpoints) > 0 {
		if c.Registry.TTLSeconds <= 0 {
			errs = append(errs, fmt.Errorf("registry.ttl_seconds must be positive, got %d", c.Registry.TTLSeconds))
		}
		if c.Registry.DialTimeout <= 0 {
			errs = append(errs, fmt.Errorf("registry.dial_timeout must be positive, got %s", c.Registry.DialTimeout))
		}
	}
	if c.Limit.Rate < 0 {
		errs = append(errs, fmt.Errorf("limit.rate must not be negative, got %g", c.Limit.Rate))
	}
	if c.Limit.Burst < 0 {
		errs = append(errs, fmt.Errorf("limit.burst must not be negative, got %d", c.Limit.Burst))
	}
	if c.Limit.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("limit.max_concurrent must not be negative, got %d", c.Limit.MaxConcurrent))
	}
	if loadbalance.New(c.Client.Balancer) == nil {
		errs = append(errs, fmt.Errorf("client.balancer: unknown strategy %q", c.Client.Balancer))
	}
	if c.Client.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("client.pool_size must be positive, got %d", c.Client.PoolSize))
	}
	if c.Client.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("client.dial_timeout must be positive, got %s", c.Client.DialTimeout))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func normalizeEndpoints(in []string) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"go-simpler.org/env"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Remote  RemoteConfig  `yaml:"remote"`
	Search  SearchConfig  `yaml:"search"`
	Storage StorageConfig `yaml:"storage"`
}

type ServerConfig struct {
	Addr             string        `yaml:"addr"`          // HTTP API listen address (e.g. :8080)
	TransferAddr     string        `yaml:"transfer_addr"` // device transfer listen address (e.g. :12221)
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type RemoteConfig struct {
	Domain         string            `yaml:"domain"`
	NozomiPrefix   string            `yaml:"nozomi_prefix"`
	UserAgent      string            `yaml:"user_agent"`
	Referer        string            `yaml:"referer"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	RateLimit      float64           `yaml:"rate_limit"` // requests per second, 0 disables throttling
	Burst          int               `yaml:"burst"`
	Versions       map[string]string `yaml:"versions"` // index dir -> pinned version
}

type SearchConfig struct {
	MaxConcurrency   int `yaml:"max_concurrency"`
	NodeCacheEntries int `yaml:"node_cache_entries"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

// overrides are read from the environment after the YAML file.
type overrides struct {
	Addr         string  `env:"GALLERYINDEX_ADDR"`
	TransferAddr string  `env:"GALLERYINDEX_TRANSFER_ADDR"`
	Domain       string  `env:"GALLERYINDEX_DOMAIN"`
	UserAgent    string  `env:"GALLERYINDEX_USER_AGENT"`
	RateLimit    float64 `env:"GALLERYINDEX_RATE_LIMIT"`
	StoragePath  string  `env:"GALLERYINDEX_STORAGE_PATH"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             ":8080",
			TransferAddr:     ":12221",
			HandshakeTimeout: 5 * time.Second,
		},
		Remote: RemoteConfig{
			Domain:         "https://ltn.hitomi.la",
			NozomiPrefix:   "n",
			UserAgent:      "galleryindex/1.0",
			Referer:        "https://hitomi.la/",
			RequestTimeout: 30 * time.Second,
			RateLimit:      20,
			Burst:          10,
		},
		Search: SearchConfig{
			MaxConcurrency:   8,
			NodeCacheEntries: 4096,
		},
		Storage: StorageConfig{
			Path: "galleryindex_data",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		for _, p := range searchPaths() {
			data, err := os.ReadFile(p)
			if err == nil {
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return cfg, err
				}
				break
			}
		}
		applyDefaults(cfg)
		return cfg, applyEnv(cfg)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, err
	}

	applyDefaults(cfg)
	return cfg, applyEnv(cfg)
}

// searchPaths lists where Load looks when no path is given, first match wins.
func searchPaths() []string {
	return []string{
		"configs/galleryindex.yaml",
		"galleryindex.yaml",
		filepath.Join(xdg.ConfigHome, "galleryindex", "galleryindex.yaml"),
	}
}

func applyEnv(cfg *Config) error {
	var o overrides
	if err := env.Load(&o, nil); err != nil {
		return err
	}
	if o.Addr != "" {
		cfg.Server.Addr = o.Addr
	}
	if o.TransferAddr != "" {
		cfg.Server.TransferAddr = o.TransferAddr
	}
	if o.Domain != "" {
		cfg.Remote.Domain = o.Domain
	}
	if o.UserAgent != "" {
		cfg.Remote.UserAgent = o.UserAgent
	}
	if o.RateLimit > 0 {
		cfg.Remote.RateLimit = o.RateLimit
	}
	if o.StoragePath != "" {
		cfg.Storage.Path = o.StoragePath
	}
	return nil
}

func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.Server.HandshakeTimeout <= 0 {
		cfg.Server.HandshakeTimeout = d.Server.HandshakeTimeout
	}
	if cfg.Remote.NozomiPrefix == "" {
		cfg.Remote.NozomiPrefix = d.Remote.NozomiPrefix
	}
	if cfg.Remote.RequestTimeout <= 0 {
		cfg.Remote.RequestTimeout = d.Remote.RequestTimeout
	}
	if cfg.Remote.RateLimit < 0 {
		cfg.Remote.RateLimit = 0
	}
	if cfg.Remote.Burst <= 0 {
		cfg.Remote.Burst = d.Remote.Burst
	}
	if cfg.Search.MaxConcurrency <= 0 {
		cfg.Search.MaxConcurrency = d.Search.MaxConcurrency
	}
	if cfg.Search.NodeCacheEntries < 0 {
		cfg.Search.NodeCacheEntries = 0
	}
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is assembled from defaults, then the optional YAML file given by
// -config, then the flags set on the command line.
type Config struct {
	Listen           string        `yaml:"listen"`
	WebAddr          string        `yaml:"web"`
	CACert           string        `yaml:"ca_cert"`
	CAKey            string        `yaml:"ca_key"`
	CertStore        string        `yaml:"cert_store"`
	CertDir          string        `yaml:"cert_dir"`
	CertMemoryTTL    time.Duration `yaml:"cert_memory_ttl"`
	History          string        `yaml:"history"`
	HistorySize      int           `yaml:"history_size"`
	MongoURI         string        `yaml:"mongo_uri"`
	MongoDB          string        `yaml:"mongo_db"`
	RedisAddr        string        `yaml:"redis_addr"`
	RedisPassword    string        `yaml:"redis_password"`
	RedisDB          int           `yaml:"redis_db"`
	QueueSize        int           `yaml:"queue_size"`
	BufferSize       int           `yaml:"buffer_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	Debug            bool          `yaml:"debug"`

	// GenerateCA writes a new root to CACert/CAKey and exits.
	GenerateCA bool `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Listen:           "0.0.0.0:7090",
		WebAddr:          ":8080",
		CACert:           "sca.pem",
		CAKey:            "sca.key",
		CertStore:        "fs",
		CertDir:          "certs",
		CertMemoryTTL:    time.Hour,
		History:          "memory",
		HistorySize:      10000,
		MongoURI:         "mongodb://localhost:27017",
		MongoDB:          "proxyDB",
		RedisAddr:        "localhost:6379",
		QueueSize:        1024,
		BufferSize:       64 << 10,
		HandshakeTimeout: 30 * time.Second,
	}
}

func bindFlags(fs *flag.FlagSet, cfg *Config, configPath *string) {
	fs.StringVar(configPath, "config", "", "YAML configuration file")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "proxy listen address")
	fs.StringVar(&cfg.WebAddr, "addr", cfg.WebAddr, "web interface and API address")
	fs.StringVar(&cfg.CACert, "ca-cert", cfg.CACert, "root CA certificate (PEM)")
	fs.StringVar(&cfg.CAKey, "ca-key", cfg.CAKey, "root CA private key (PEM)")
	fs.StringVar(&cfg.CertStore, "cert-store", cfg.CertStore, "leaf certificate storage: fs, mongo or redis")
	fs.StringVar(&cfg.CertDir, "cert-dir", cfg.CertDir, "directory for the fs certificate store")
	fs.DurationVar(&cfg.CertMemoryTTL, "cert-ttl", cfg.CertMemoryTTL, "how long parsed leaves stay in memory")
	fs.StringVar(&cfg.History, "history", cfg.History, "observed message history: memory or mongo")
	fs.IntVar(&cfg.HistorySize, "history-size", cfg.HistorySize, "records kept by the memory history")
	fs.StringVar(&cfg.MongoURI, "db", cfg.MongoURI, "MongoDB connection URI")
	fs.StringVar(&cfg.MongoDB, "db-name", cfg.MongoDB, "MongoDB database")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")
	fs.IntVar(&cfg.QueueSize, "queue", cfg.QueueSize, "observer channel capacity")
	fs.IntVar(&cfg.BufferSize, "buffer", cfg.BufferSize, "read buffer size in bytes")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "deadline for sniffing, dialing and TLS handshakes, 0 disables")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "development logging")
	fs.BoolVar(&cfg.GenerateCA, "gen-ca", false, "write a new root CA to -ca-cert and -ca-key and exit")
}

// ParseConfig parses args twice: once to find -config, and again over the
// file's values so only flags given explicitly override it.
func ParseConfig(args []string) (Config, error) {
	var path string
	probe := DefaultConfig()
	fs := flag.NewFlagSet("tapproxy", flag.ContinueOnError)
	bindFlags(fs, &probe, &path)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	fs = flag.NewFlagSet("tapproxy", flag.ContinueOnError)
	bindFlags(fs, &cfg, &path)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.CertStore {
	case "fs", "mongo", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown cert store %q", c.CertStore))
	}
	switch c.History {
	case "memory", "mongo":
	default:
		errs = append(errs, fmt.Errorf("unknown history backend %q", c.History))
	}
	if c.QueueSize < 0 {
		errs = append(errs, errors.New("queue size must not be negative"))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, errors.New("buffer size must be positive"))
	}
	if c.HistorySize <= 0 {
		errs = append(errs, errors.New("history size must be positive"))
	}
	return errors.Join(errs...)
}

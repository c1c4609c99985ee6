package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type databaseCfg struct {
	DSN string `koanf:"dsn"`
}

type relayCfg struct {
	Enabled       bool          `koanf:"enabled"`
	Embedded      bool          `koanf:"embedded"` // run an in-process broker instead of dialing URL
	URL           string        `koanf:"url"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	Stream        string        `koanf:"stream"`
	MaxAge        time.Duration `koanf:"max_age"`
}

type topicCfg struct {
	Name     string        `koanf:"name"`
	Query    string        `koanf:"query"`
	Interval time.Duration `koanf:"interval"` // 0 = use the global interval
	Restart  bool          `koanf:"restart"`
}

type config struct {
	Database databaseCfg   `koanf:"database"`
	StateDir string        `koanf:"state_dir"`
	Interval time.Duration `koanf:"interval"`
	Relay    relayCfg      `koanf:"relay"`
	Topics   []topicCfg    `koanf:"topics"`
}

// loadConfig merges YAML (if present) with env vars
// (prefix `QUERYTAIL__`, delimiter `__`).
func loadConfig(path string) (config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return config{}, err
		}
	}
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return config{}, fmt.Errorf("schema_version %q not supported (want v1)", sv)
	}

	_ = k.Load(env.Provider("QUERYTAIL__", "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "QUERYTAIL__"))
	}), nil)

	var cfg config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(c *config) {
	if c.Database.DSN == "" {
		c.Database.DSN = "querytail.db"
	}
	if c.StateDir == "" {
		c.StateDir = ".querytail"
	}
	if c.Interval == 0 {
		c.Interval = time.Second
	}
	if c.Relay.URL == "" {
		c.Relay.URL = "nats://127.0.0.1:4222"
	}
	if c.Relay.SubjectPrefix == "" {
		c.Relay.SubjectPrefix = "querytail"
	}
	if c.Relay.Stream == "" {
		c.Relay.Stream = "QUERYTAIL"
	}
	if c.Relay.MaxAge == 0 {
		c.Relay.MaxAge = 24 * time.Hour
	}
}

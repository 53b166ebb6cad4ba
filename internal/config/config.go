package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"OFFLINE0_PORT" validate:"gte=1,lte=65535"`
		Origin string `yaml:"origin" env:"OFFLINE0_ORIGIN" validate:"required,url"`
		// PublicOrigin is the origin browsers use to reach offline0. It decides
		// which requests are same-origin. Defaults to http://localhost:<port>.
		PublicOrigin string `yaml:"publicOrigin" env:"OFFLINE0_PUBLIC_ORIGIN" validate:"omitempty,url"`
	} `yaml:"server"`

	App struct {
		Name             string `yaml:"name" env:"OFFLINE0_APP_NAME" validate:"required,excludesall=/\\?#"`
		ScriptPath       string `yaml:"scriptPath" validate:"startswith=/"`
		VersionPath      string `yaml:"versionPath" validate:"startswith=/"`
		DocumentPath     string `yaml:"documentPath" validate:"startswith=/"`
		MetaName         string `yaml:"metaName" validate:"required"`
		FallbackDocument string `yaml:"fallbackDocument" validate:"startswith=/"`
	} `yaml:"app"`

	Storage struct {
		Path     string `yaml:"path" env:"OFFLINE0_STORAGE_PATH" validate:"required"`
		MaxEntry string `yaml:"maxEntry"`
	} `yaml:"storage"`

	Worker struct {
		NavigationTimeout    string `yaml:"navigationTimeout"`
		FetchTimeout         string `yaml:"fetchTimeout"`
		SkipWaitingOnInstall bool   `yaml:"skipWaitingOnInstall"`
		NavigationPreload    bool   `yaml:"navigationPreload"`
	} `yaml:"worker"`

	Registration struct {
		MaxRetries     int    `yaml:"maxRetries" validate:"gte=0"`
		InitialBackoff string `yaml:"initialBackoff"`
		MaxBackoff     string `yaml:"maxBackoff"`
		UpdateInterval string `yaml:"updateInterval"`
		AutoAccept     bool   `yaml:"autoAccept" env:"OFFLINE0_AUTO_ACCEPT"`
	} `yaml:"registration"`

	Notifications struct {
		Permission  string `yaml:"permission" env:"OFFLINE0_NOTIFICATIONS" validate:"oneof=granted denied"`
		OpenCommand string `yaml:"openCommand"`
	} `yaml:"notifications"`

	Logging struct {
		Level  string `yaml:"level" env:"OFFLINE0_LOG_LEVEL" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" env:"OFFLINE0_LOG_FORMAT" validate:"oneof=text json"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled bool `yaml:"enabled" env:"OFFLINE0_METRICS"`
	} `yaml:"metrics"`

	// compiled
	maxEntryBytes     int64
	navigationTimeout time.Duration
	fetchTimeout      time.Duration
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	updateInterval    time.Duration
}

// Default returns a config with every optional value filled in.
func Default() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.App.ScriptPath = "/sw.js"
	cfg.App.VersionPath = "/version.json"
	cfg.App.DocumentPath = "/index.html"
	cfg.App.MetaName = "app-version"
	cfg.App.FallbackDocument = "/index.html"
	cfg.Storage.Path = "./data/leveldb"
	cfg.Storage.MaxEntry = "10mb"
	cfg.Worker.NavigationTimeout = "2s"
	cfg.Worker.FetchTimeout = "30s"
	cfg.Worker.SkipWaitingOnInstall = true
	cfg.Worker.NavigationPreload = true
	cfg.Registration.MaxRetries = 5
	cfg.Registration.InitialBackoff = "500ms"
	cfg.Registration.MaxBackoff = "30s"
	cfg.Registration.UpdateInterval = "1h"
	cfg.Registration.AutoAccept = true
	cfg.Notifications.Permission = "granted"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// LoadConfig reads a YAML file over the defaults, then applies OFFLINE0_*
// environment overrides.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) finish() error {
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.PublicOrigin == "" {
		cfg.Server.PublicOrigin = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	cfg.Server.PublicOrigin = strings.TrimRight(cfg.Server.PublicOrigin, "/")
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)

	if err := validate(cfg); err != nil {
		return err
	}

	var err error
	if cfg.maxEntryBytes, err = parseBytes(cfg.Storage.MaxEntry); err != nil {
		return fmt.Errorf("storage.maxEntry: %w", err)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"worker.navigationTimeout", cfg.Worker.NavigationTimeout, &cfg.navigationTimeout},
		{"worker.fetchTimeout", cfg.Worker.FetchTimeout, &cfg.fetchTimeout},
		{"registration.initialBackoff", cfg.Registration.InitialBackoff, &cfg.initialBackoff},
		{"registration.maxBackoff", cfg.Registration.MaxBackoff, &cfg.maxBackoff},
		{"registration.updateInterval", cfg.Registration.UpdateInterval, &cfg.updateInterval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.key)
		}
		*d.dst = v
	}
	if cfg.navigationTimeout == 0 {
		return fmt.Errorf("worker.navigationTimeout: must be positive")
	}
	if cfg.maxBackoff < cfg.initialBackoff {
		return fmt.Errorf("registration.maxBackoff: smaller than initialBackoff")
	}
	return nil
}

func validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func (cfg Config) MaxEntryBytes() int64              { return cfg.maxEntryBytes }
func (cfg Config) NavigationTimeout() time.Duration { return cfg.navigationTimeout }
func (cfg Config) FetchTimeout() time.Duration      { return cfg.fetchTimeout }
func (cfg Config) InitialBackoff() time.Duration    { return cfg.initialBackoff }
func (cfg Config) MaxBackoff() time.Duration        { return cfg.maxBackoff }
func (cfg Config) UpdateInterval() time.Duration    { return cfg.updateInterval }

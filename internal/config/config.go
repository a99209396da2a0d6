// Package config loads the service configuration: a YAML file with
// defaults, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Port         int      `yaml:"port"`
	RateRPS      float64  `yaml:"rate_rps"`
	RateBurst    int      `yaml:"rate_burst"`
	AllowOrigins []string `yaml:"allow_origins,omitempty"`
}

type StoreConfig struct {
	DatabaseURL string `yaml:"database_url,omitempty"`
	Migrate     bool   `yaml:"migrate"`
}

type RedisConfig struct {
	URL string `yaml:"url,omitempty"`
}

// RouterConfig selects the matrix source. An empty URL routes in straight lines.
type RouterConfig struct {
	URL         string        `yaml:"url,omitempty"`
	APIKey      string        `yaml:"api_key,omitempty"`
	RateRPS     float64       `yaml:"rate_rps"`
	RateBurst   int           `yaml:"rate_burst"`
	MaxAttempts int           `yaml:"max_attempts"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// DichoConfig holds the division defaults applied to problems that leave
// them unset.
type DichoConfig struct {
	AlgorithmVehicleLimit int   `yaml:"algorithm_vehicle_limit"`
	AlgorithmServiceLimit int   `yaml:"algorithm_service_limit"`
	DivisionVehicleLimit  int   `yaml:"division_vehicle_limit"`
	DivisionServiceLimit  int   `yaml:"division_service_limit"`
	MaxSplitRetries       int   `yaml:"max_split_retries"`
	Seed                  int64 `yaml:"seed"`
}

type SolverConfig struct {
	DefaultBudget   time.Duration `yaml:"default_budget"`
	MaxIterations   int           `yaml:"max_iterations"`
	StallIterations int           `yaml:"stall_iterations"`
	Seed            int64         `yaml:"seed"`
}

type WebhooksConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Secret      string        `yaml:"secret,omitempty"`
	Interval    time.Duration `yaml:"interval"`
}

type AuthConfig struct {
	Mode       string `yaml:"mode"`
	HMACSecret string `yaml:"hmac_secret,omitempty"`
}

type JobsConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	Router   RouterConfig   `yaml:"router"`
	Dicho    DichoConfig    `yaml:"dicho"`
	Solver   SolverConfig   `yaml:"solver"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Auth     AuthConfig     `yaml:"auth"`
	Jobs     JobsConfig     `yaml:"jobs"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080, RateRPS: 20, RateBurst: 40},
		Store:  StoreConfig{Migrate: true},
		Router: RouterConfig{RateRPS: 5, RateBurst: 5, MaxAttempts: 3, CacheTTL: 24 * time.Hour},
		Dicho: DichoConfig{
			AlgorithmVehicleLimit: 10,
			AlgorithmServiceLimit: 500,
			DivisionVehicleLimit:  3,
			DivisionServiceLimit:  100,
			MaxSplitRetries:       3,
		},
		Solver:   SolverConfig{DefaultBudget: 2 * time.Second, StallIterations: 200},
		Webhooks: WebhooksConfig{MaxAttempts: 10, Interval: time.Second},
		Auth:     AuthConfig{Mode: "dev"},
		Jobs:     JobsConfig{Workers: 2, QueueSize: 64, Timeout: 30 * time.Minute},
	}
}

// Load reads path over the defaults (a missing file keeps them) and applies
// the environment. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var bad []string
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				bad = append(bad, key)
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				bad = append(bad, key)
				return
			}
			*dst = f
		}
	}

	integer("PORT", &c.Server.Port)
	float("RATE_RPS", &c.Server.RateRPS)
	integer("RATE_BURST", &c.Server.RateBurst)
	str("DATABASE_URL", &c.Store.DatabaseURL)
	if v, ok := lookup("DB_MIGRATE"); ok {
		c.Store.Migrate = v != "false"
	}
	str("REDIS_URL", &c.Redis.URL)
	str("ROUTER_URL", &c.Router.URL)
	str("ROUTER_API_KEY", &c.Router.APIKey)
	integer("WEBHOOK_MAX_ATTEMPTS", &c.Webhooks.MaxAttempts)
	str("WEBHOOK_SECRET", &c.Webhooks.Secret)
	str("AUTH_MODE", &c.Auth.Mode)
	str("AUTH_HMAC_SECRET", &c.Auth.HMACSecret)
	integer("JOB_WORKERS", &c.Jobs.Workers)
	if v, ok := lookup("ALLOW_ORIGINS"); ok && v != "" {
		c.Server.AllowOrigins = strings.Split(v, ",")
	}
	c.Auth.Mode = strings.ToLower(c.Auth.Mode)
	if len(bad) > 0 {
		return fmt.Errorf("config: invalid number in %s", strings.Join(bad, ", "))
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Auth.Mode {
	case "dev":
	case "hmac":
		if c.Auth.HMACSecret == "" {
			return errors.New("config: auth mode hmac needs AUTH_HMAC_SECRET")
		}
	default:
		return fmt.Errorf("config: unknown auth mode %q", c.Auth.Mode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("config: jobs.workers must be positive, got %d", c.Jobs.Workers)
	}
	if c.Dicho.DivisionVehicleLimit <= 0 || c.Dicho.DivisionServiceLimit <= 0 {
		return errors.New("config: dicho division limits must be positive")
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c Config) Addr() string { return ":" + strconv.Itoa(c.Server.Port) }

// Package config loads service and client settings from an optional YAML
// file and FINLLM_* environment variables. Environment wins over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Consumption store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Gate policies for unsafe intents on the client.
const (
	GateHide         = "hide"
	GateShowDisabled = "show"
)

// MaxAgentTokenTTL caps the lifetime of a delegated token.
const MaxAgentTokenTTL = 10 * time.Minute

var (
	errMissingAuthSecret  = errors.New("config: auth secret is required (FINLLM_AUTH_SECRET)")
	errMissingAgentSecret = errors.New("config: agent secret is required (FINLLM_AGENT_SECRET)")
	errSharedSecret       = errors.New("config: session and agent secrets must differ")
)

// Config is the full settings tree.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	Version  string `yaml:"-"`

	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Auth     Auth     `yaml:"auth"`
	LLM      LLM      `yaml:"llm"`
	Audit    Audit    `yaml:"audit"`
	Executor Executor `yaml:"executor"`
	HTTP     HTTP     `yaml:"http"`
	Client   Client   `yaml:"client"`
}

type Postgres struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Auth struct {
	Secret        string        `yaml:"secret"`
	AgentSecret   string        `yaml:"agent_secret"`
	Issuer        string        `yaml:"issuer"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	AgentTokenTTL time.Duration `yaml:"agent_token_ttl"`
	MinConfidence float64       `yaml:"min_confidence"`
	// ConsumptionBackend selects where spent agent tokens are recorded.
	ConsumptionBackend string `yaml:"consumption_backend"`
	SeedUsers          []Seed `yaml:"seed_users"`
}

// Seed is a bootstrap user. The server opens checking and savings accounts
// for it, crediting OpeningBalance (USD) to checking.
type Seed struct {
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Roles          []string `yaml:"roles"`
	OpeningBalance float64  `yaml:"opening_balance"`
}

type LLM struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type Audit struct {
	// Key is the hex-encoded 32 byte key that seals audit payloads.
	Key string `yaml:"key"`
}

type Executor struct {
	SigningKeyPath string   `yaml:"signing_key_path"`
	InputPatterns  []string `yaml:"input_patterns"`
	OutputPatterns []string `yaml:"output_patterns"`
}

type HTTP struct {
	RateBurst    int   `yaml:"rate_burst"`
	RatePerSec   int   `yaml:"rate_per_sec"`
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type Client struct {
	ServerURL   string        `yaml:"server_url"`
	SessionFile string        `yaml:"session_file"`
	Gate        string        `yaml:"gate"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		Postgres: Postgres{
			MaxOpenConns: 10,
			MaxIdleConns: 10,
			ConnLifetime: 30 * time.Minute,
		},
		Redis: Redis{Addr: "localhost:6379"},
		Auth: Auth{
			Issuer:             "finllm-auth",
			SessionTTL:         10 * time.Minute,
			AgentTokenTTL:      2 * time.Minute,
			ConsumptionBackend: BackendMemory,
		},
		LLM: LLM{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: 30 * time.Second,
		},
		HTTP: HTTP{
			RateBurst:    20,
			RatePerSec:   10,
			MaxBodyBytes: 1 << 20,
		},
		Client: Client{
			ServerURL: "http://localhost:8080",
			Gate:      GateShowDisabled,
			Timeout:   30 * time.Second,
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment. It does not validate; call Validate for the server.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = strings.TrimSpace(os.Getenv("FINLLM_CONFIG"))
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings the server cannot run without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, errMissingAuthSecret)
	}
	if strings.TrimSpace(c.Auth.AgentSecret) == "" {
		errs = append(errs, errMissingAgentSecret)
	}
	if c.Auth.Secret != "" && c.Auth.Secret == c.Auth.AgentSecret {
		errs = append(errs, errSharedSecret)
	}
	if c.Auth.SessionTTL <= 0 {
		errs = append(errs, errors.New("config: session_ttl must be positive"))
	}
	if c.Auth.AgentTokenTTL <= 0 || c.Auth.AgentTokenTTL > MaxAgentTokenTTL {
		errs = append(errs, fmt.Errorf("config: agent_token_ttl must be in (0, %s]", MaxAgentTokenTTL))
	}
	if c.Auth.MinConfidence < 0 || c.Auth.MinConfidence > 1 {
		errs = append(errs, errors.New("config: min_confidence must be within [0,1]"))
	}
	switch c.Auth.ConsumptionBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("config: postgres consumption backend needs a DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown consumption backend %q", c.Auth.ConsumptionBackend))
	}
	switch c.Client.Gate {
	case GateHide, GateShowDisabled:
	default:
		errs = append(errs, fmt.Errorf("config: unknown gate policy %q", c.Client.Gate))
	}
	return errors.Join(errs...)
}

type lookupFunc func(string) (string, bool)

func applyEnv(c *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("FINLLM_HTTP_ADDR", &c.HTTPAddr)
	str("FINLLM_GRPC_ADDR", &c.GRPCAddr)
	str("FINLLM_PG_DSN", &c.Postgres.DSN)
	str("FINLLM_REDIS_ADDR", &c.Redis.Addr)
	str("FINLLM_REDIS_PASSWORD", &c.Redis.Password)
	integer("FINLLM_REDIS_DB", &c.Redis.DB)
	str("FINLLM_AUTH_SECRET", &c.Auth.Secret)
	str("FINLLM_AGENT_SECRET", &c.Auth.AgentSecret)
	str("FINLLM_AUTH_ISSUER", &c.Auth.Issuer)
	dur("FINLLM_SESSION_TTL", &c.Auth.SessionTTL)
	dur("FINLLM_AGENT_TOKEN_TTL", &c.Auth.AgentTokenTTL)
	str("FINLLM_CONSUMPTION_BACKEND", &c.Auth.ConsumptionBackend)
	if v, ok := lookup("FINLLM_MIN_CONFIDENCE"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: FINLLM_MIN_CONFIDENCE: %w", err))
		} else {
			c.Auth.MinConfidence = f
		}
	}
	str("FINLLM_LLM_BASE_URL", &c.LLM.BaseURL)
	str("FINLLM_LLM_API_KEY", &c.LLM.APIKey)
	str("FINLLM_LLM_MODEL", &c.LLM.Model)
	dur("FINLLM_LLM_TIMEOUT", &c.LLM.Timeout)
	str("FINLLM_AUDIT_KEY", &c.Audit.Key)
	str("FINLLM_SIGNING_KEY", &c.Executor.SigningKeyPath)
	integer("FINLLM_RATE_BURST", &c.HTTP.RateBurst)
	integer("FINLLM_RATE_PER_SEC", &c.HTTP.RatePerSec)
	str("FINLLM_SERVER_URL", &c.Client.ServerURL)
	str("FINLLM_SESSION_FILE", &c.Client.SessionFile)
	str("FINLLM_GATE", &c.Client.Gate)
	if v, ok := lookup("FINLLM_SEED_USERS"); ok && strings.TrimSpace(v) != "" {
		seeds, err := parseSeeds(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			c.Auth.SeedUsers = seeds
		}
	}
	return errors.Join(errs...)
}

// parseSeeds reads "user:password[:opening_balance]" entries separated by
// commas.
func parseSeeds(raw string) ([]Seed, error) {
	var seeds []Seed
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, ":", 3)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || parts[1] == "" {
			return nil, fmt.Errorf("config: FINLLM_SEED_USERS: malformed entry %q", item)
		}
		seed := Seed{Username: strings.TrimSpace(parts[0]), Password: parts[1]}
		if len(parts) == 3 {
			f, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
			if err != nil || f < 0 {
				return nil, fmt.Errorf("config: FINLLM_SEED_USERS: bad opening balance for %s", seed.Username)
			}
			seed.OpeningBalance = f
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

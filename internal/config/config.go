package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfig   = "JUL_RECEIVE_CONFIG"
	EnvDB       = "JUL_RECEIVE_DB"
	EnvRepo     = "JUL_RECEIVE_REPO"
	EnvDeadline = "JUL_RECEIVE_DEADLINE"

	// ProjectFile is the name of the project settings file on refs/meta/config.
	ProjectFile = "receive.yaml"
)

type Config struct {
	Storage     Storage          `yaml:"storage"`
	Receive     Receive          `yaml:"receive"`
	Retry       Retry            `yaml:"retry"`
	Project     Project          `yaml:"project"`
	Permissions []PermissionRule `yaml:"permissions"`
	Validators  Validators       `yaml:"validators"`
}

type Storage struct {
	Repo string `yaml:"repo"`
	DB   string `yaml:"db"`
}

type Receive struct {
	// MaxBatchChanges caps new plus updated changes per magic push; 0 means
	// unlimited.
	MaxBatchChanges     int            `yaml:"maxBatchChanges"`
	MaxBatchCommits     int            `yaml:"maxBatchCommits"`
	Deadline            time.Duration  `yaml:"deadline"`
	AllowPrivateChanges bool           `yaml:"allowPrivateChanges"`
	CanonicalWebURL     string         `yaml:"canonicalWebUrl"`
	PluginOptions       []PluginOption `yaml:"pluginOptions"`
}

type PluginOption struct {
	Plugin      string `yaml:"plugin"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type Retry struct {
	Timeout         time.Duration `yaml:"timeout"`
	Multiplier      int           `yaml:"multiplier"`
	MaxTries        uint          `yaml:"maxTries"`
	InitialInterval time.Duration `yaml:"initialInterval"`
}

type Project struct {
	Name                       string   `yaml:"name"`
	RejectImplicitMerges       bool     `yaml:"rejectImplicitMerges"`
	NewChangeForAllNotInTarget bool     `yaml:"newChangeForAllNotInTarget"`
	RequireChangeID            bool     `yaml:"requireChangeId"`
	RequireSignedOffBy         bool     `yaml:"requireSignedOffBy"`
	PrivateByDefault           bool     `yaml:"privateByDefault"`
	WorkInProgressByDefault    bool     `yaml:"workInProgressByDefault"`
	RejectCommits              []string `yaml:"rejectCommits"`
	ReadOnly                   bool     `yaml:"readOnly"`
	MaxPatchSets               int      `yaml:"maxPatchSets"`
}

type PermissionRule struct {
	Ref         string   `yaml:"ref"`
	Permissions []string `yaml:"permissions"`
	Users       []string `yaml:"users"`
	Groups      []string `yaml:"groups"`
	Action      string   `yaml:"action"`
}

type Validators struct {
	MaxSubjectLength   int      `yaml:"maxSubjectLength"`
	BannedAuthorEmails []string `yaml:"bannedAuthorEmails"`
}

func Default() Config {
	return Config{
		Storage: Storage{
			Repo: ".",
			DB:   ".jul/receive.db",
		},
		Receive: Receive{
			MaxBatchChanges:     0,
			MaxBatchCommits:     10000,
			Deadline:            10 * time.Minute,
			AllowPrivateChanges: true,
			CanonicalWebURL:     "http://localhost:8080/",
		},
		Retry: Retry{
			Timeout:         20 * time.Second,
			Multiplier:      5,
			MaxTries:        0,
			InitialInterval: 50 * time.Millisecond,
		},
		Project: Project{
			Name:            "default",
			RequireChangeID: false,
			MaxPatchSets:    1000,
		},
		Validators: Validators{
			MaxSubjectLength: 65,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes data over the defaults without consulting the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	if value := strings.TrimSpace(os.Getenv(EnvDB)); value != "" {
		cfg.Storage.DB = value
	}
	if value := strings.TrimSpace(os.Getenv(EnvRepo)); value != "" {
		cfg.Storage.Repo = value
	}
	if value := strings.TrimSpace(os.Getenv(EnvDeadline)); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDeadline, err)
		}
		cfg.Receive.Deadline = d
	}
	return nil
}

func (c Config) Validate() error {
	if c.Receive.MaxBatchChanges < 0 {
		return fmt.Errorf("receive.maxBatchChanges must not be negative")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	for i, rule := range c.Permissions {
		switch rule.Action {
		case "allow", "deny", "":
		default:
			return fmt.Errorf("permissions[%d]: unknown action %q", i, rule.Action)
		}
	}
	return nil
}

// Path resolves the config file: flag, then env, then the default name.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if value := strings.TrimSpace(os.Getenv(EnvConfig)); value != "" {
		return value
	}
	return "receive.yaml"
}

// Holder publishes the current config to concurrent readers.
type Holder struct {
	v atomic.Pointer[Config]
}

func NewHolder(cfg Config) *Holder {
	h := &Holder{}
	h.Set(cfg)
	return h
}

func (h *Holder) Get() Config {
	return *h.v.Load()
}

func (h *Holder) Set(cfg Config) {
	h.v.Store(&cfg)
}

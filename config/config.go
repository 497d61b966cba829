// Package config loads the flowd daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/flowrun/flow"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config is the daemon configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Engine  EngineConfig  `yaml:"engine"`
	Tracing TracingConfig `yaml:"tracing"`

	// FlowsDir holds the flow definitions (*.json, *.yaml) loaded at start.
	FlowsDir string `yaml:"flows_dir"`

	// Credentials maps a credential id to its fields, e.g. apiKey.
	Credentials map[string]map[string]any `yaml:"credentials"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StoreConfig selects the execution store.
type StoreConfig struct {
	Driver string `yaml:"driver"`

	// DSN is the sqlite file path or the MySQL data source name.
	DSN string `yaml:"dsn"`
}

// EngineConfig tunes the scheduler and the deployed pool.
type EngineConfig struct {
	LoopBudget  int           `yaml:"loop_budget"`
	NodeTimeout time.Duration `yaml:"node_timeout"`
	Workers     int           `yaml:"workers"`
}

// TracingConfig enables OTLP/HTTP trace export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration used for every unset field.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log:   LogConfig{Level: "info"},
		Store: StoreConfig{Driver: DriverMemory},
		Engine: EngineConfig{
			LoopBudget:  flow.DefaultLoopBudget,
			NodeTimeout: 5 * time.Minute,
			Workers:     16,
		},
		Tracing:  TracingConfig{ServiceName: "flowd"},
		FlowsDir: "flows",
	}
}

// Load reads path over the defaults. ${VAR} references are expanded from
// the environment before parsing.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error", "fatal":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error, fatal", c.Log.Level))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverMySQL:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, sqlite, mysql", c.Store.Driver))
	}
	if c.Engine.LoopBudget < 0 {
		errs = append(errs, errors.New("engine.loop_budget cannot be negative"))
	}
	if c.Engine.NodeTimeout < 0 {
		errs = append(errs, errors.New("engine.node_timeout cannot be negative"))
	}
	if c.Engine.Workers <= 0 {
		errs = append(errs, errors.New("engine.workers must be positive"))
	}
	return errors.Join(errs...)
}

// LoadFlows parses every *.json, *.yaml and *.yml file in dir, keyed by flow
// id. A file without an id takes its base name as id.
func LoadFlows(dir string) (map[string]flow.Flow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read flows dir: %w", err)
	}

	flows := make(map[string]flow.Flow)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		f, err := LoadFlow(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if _, dup := flows[f.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate flow id %q", name, f.ID)
		}
		flows[f.ID] = f
	}
	return flows, nil
}

// LoadFlow parses one flow file; the format follows the extension.
func LoadFlow(path string) (flow.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return flow.Flow{}, fmt.Errorf("failed to read flow: %w", err)
	}

	var f flow.Flow
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return flow.Flow{}, fmt.Errorf("%s: failed to parse YAML flow: %w", path, err)
		}
		if err := f.Validate(); err != nil {
			return flow.Flow{}, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if f, err = flow.ParseFlow(data); err != nil {
			return flow.Flow{}, fmt.Errorf("%s: %w", path, err)
		}
	}

	if f.ID == "" {
		base := filepath.Base(path)
		f.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return f, nil
}

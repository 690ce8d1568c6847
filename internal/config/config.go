package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/platesolve/config.json"
	defaultFramework  = "astap"
)

// Config holds user-editable settings for the solver service.
type Config struct {
	Solver  Solver  `json:"solver"`
	Logging Logging `json:"logging"`
	Paths   Paths   `json:"paths"`
	Server  Server  `json:"server"`
	Metrics Metrics `json:"metrics"`
}

// Solver selects the active framework and carries one block per backend.
type Solver struct {
	Framework  string             `json:"framework"`
	Frameworks map[string]Backend `json:"frameworks"`
	TempDir    string             `json:"temp_dir"` // solve artifacts (star lists, WCS output)
	WorkDir    string             `json:"work_dir"` // base for bundled solver installs
}

// Backend is the per-framework configuration block. The JSON keys match the
// configuration layout shared with the desktop application.
type Backend struct {
	DeviceName   string   `json:"deviceName"`
	DeviceList   []string `json:"deviceList"`
	SearchRadius float64  `json:"searchRadius"` // degrees, 180 means blind
	Timeout      int      `json:"timeout"`      // seconds
	AppPath      string   `json:"appPath"`
	IndexPath    string   `json:"indexPath"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default locations.
type Paths struct {
	DatabasePath string   `json:"database_path"`
	WatchDirs    []string `json:"watch_dirs"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	Addr     string `json:"addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Metrics toggles the Prometheus endpoint.
type Metrics struct {
	Enabled bool `json:"enabled"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := Path()

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	if cfg.Solver.Frameworks == nil {
		cfg.Solver.Frameworks = make(map[string]Backend)
	}
	cfg.Solver.TempDir, err = expandUser(cfg.Solver.TempDir)
	if err != nil {
		return nil, err
	}
	cfg.Solver.WorkDir, err = expandUser(cfg.Solver.WorkDir)
	if err != nil {
		return nil, err
	}
	cfg.Paths.DatabasePath, err = expandUser(cfg.Paths.DatabasePath)
	if err != nil {
		return nil, err
	}
	for i, dir := range cfg.Paths.WatchDirs {
		if cfg.Paths.WatchDirs[i], err = expandUser(dir); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Path returns the configuration file location, honoring PLATESOLVE_CONFIG.
func Path() string {
	if p := os.Getenv("PLATESOLVE_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	workDir := filepath.Join(os.TempDir(), "platesolve")
	if home, err := os.UserHomeDir(); err == nil {
		workDir = filepath.Join(home, ".local", "share", "platesolve")
	}
	return &Config{
		Solver: Solver{
			Framework:  defaultFramework,
			Frameworks: make(map[string]Backend),
			TempDir:    filepath.Join(os.TempDir(), "platesolve"),
			WorkDir:    workDir,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "platesolve.db"),
		},
		Server: Server{
			Addr:     ":8085",
			GRPCAddr: ":8086",
		},
		Metrics: Metrics{Enabled: true},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}

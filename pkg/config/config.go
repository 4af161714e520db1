package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the YAML config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseCommandFlags defines and parses command-line flags and returns their
// values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (addr string, dbPath string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *dbPtr, *cfgPtr, setFlags
}

// LoadEnvOverrides applies environment overrides onto the provided cfg and
// reports whether any env vars were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false
	parseList := func(v string) []string {
		if v == "" {
			return nil
		}
		parts := []string{}
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	}

	if v := os.Getenv("LOOM_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		envUsed = true
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("LOOM_CORS_ORIGINS"); v != "" {
		envUsed = true
		cfg.Security.CORS.AllowedOrigins = parseList(v)
	}
	if v := os.Getenv("LOOM_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Security.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("LOOM_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Security.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("LOOM_API_BACKEND_KEYS"); v != "" {
		envUsed = true
		cfg.Security.APIKeys.Backend = parseList(v)
	}
	if v := os.Getenv("LOOM_API_FRONTEND_KEYS"); v != "" {
		envUsed = true
		cfg.Security.APIKeys.Frontend = parseList(v)
	}
	if v := os.Getenv("LOOM_API_ALLOW_UNAUTH"); v != "" {
		envUsed = true
		vl := strings.ToLower(strings.TrimSpace(v))
		cfg.Security.APIKeys.AllowUnauth = vl == "1" || vl == "true" || vl == "yes"
	}
	if c := os.Getenv("LOOM_TLS_CERT"); c != "" {
		envUsed = true
		cfg.Server.TLS.CertFile = c
	}
	if k := os.Getenv("LOOM_TLS_KEY"); k != "" {
		envUsed = true
		cfg.Server.TLS.KeyFile = k
	}
	return envUsed
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and the environment variable `LOOM_CONFIG` when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("LOOM_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// EffectiveConfig is the merged result of config file, env and flags, with
// the winning source recorded for the startup banner.
type EffectiveConfig struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // flags | env | config | defaults
}

// LoadEffective merges file, env and flags with flags > env > config file
// precedence and returns the effective settings.
func LoadEffective(cfgPath string, flagAddr, flagDB string, setFlags map[string]bool) EffectiveConfig {
	cfg, err := Load(cfgPath)
	loadedFromFile := err == nil
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)

	eff := EffectiveConfig{Config: cfg, Addr: cfg.Addr(), DBPath: cfg.Storage.DBPath, Source: "defaults"}
	switch {
	case loadedFromFile:
		eff.Source = "config"
	}
	if envUsed {
		eff.Source = "env"
	}
	if setFlags["addr"] {
		eff.Addr = flagAddr
		eff.Source = "flags"
	}
	if setFlags["db"] {
		eff.DBPath = flagDB
		eff.Source = "flags"
	}
	if eff.DBPath == "" {
		eff.DBPath = flagDB
	}
	return eff
}

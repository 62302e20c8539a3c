// Package config holds the static process configuration and the dynamic,
// file-persisted knob store.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds static runtime configuration. ServerIP and ServerPort are
// fixed for the process lifetime; a change requires a restart.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	ServerIP   string
	ServerPort int
	Realm      string

	DataDir    string
	CDRDir     string
	UsersFile  string
	ConfigFile string

	LogLevel string

	// Auto-dialer defaults.
	DialerUsername  string
	DialerPassword  string
	DialerMediaFile string
}

const (
	defaultServerPort = 5060
	defaultRealm      = "sip.local"
	defaultDataDir    = "./data"
	defaultLogLevel   = "info"
)

const envPrefix = "IMSCORE_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("imscore", flag.ContinueOnError)
	fs.StringVar(&cfg.ServerIP, "server-ip", "", "IP address to bind the SIP socket (auto-detected if empty)")
	fs.IntVar(&cfg.ServerPort, "server-port", defaultServerPort, "SIP UDP listen port")
	fs.StringVar(&cfg.Realm, "realm", defaultRealm, "digest authentication realm")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for user store and config")
	fs.StringVar(&cfg.CDRDir, "cdr-dir", "CDR", "base directory for daily CDR files")
	fs.StringVar(&cfg.UsersFile, "users-file", "", "path to users.json (default <data-dir>/users.json)")
	fs.StringVar(&cfg.ConfigFile, "config-file", "", "path to dynamic config JSON (default <data-dir>/config.json)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.DialerUsername, "dialer-username", "0000", "SIP username the auto-dialer registers as")
	fs.StringVar(&cfg.DialerPassword, "dialer-password", "0000", "SIP password for the auto-dialer")
	fs.StringVar(&cfg.DialerMediaFile, "dialer-media", "media/announce.wav", "default WAV file streamed by the auto-dialer")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}
	applyEnvOverrides(fs, cfg)

	if cfg.ServerIP == "" {
		cfg.ServerIP = primaryInterfaceIP()
	}
	if cfg.UsersFile == "" {
		cfg.UsersFile = cfg.DataDir + "/users.json"
	}
	if cfg.ConfigFile == "" {
		cfg.ConfigFile = cfg.DataDir + "/config.json"
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	envMap := map[string]string{
		"server-ip":       envPrefix + "SERVER_IP",
		"server-port":     envPrefix + "SERVER_PORT",
		"realm":           envPrefix + "REALM",
		"data-dir":        envPrefix + "DATA_DIR",
		"cdr-dir":         envPrefix + "CDR_DIR",
		"users-file":      envPrefix + "USERS_FILE",
		"config-file":     envPrefix + "CONFIG_FILE",
		"log-level":       envPrefix + "LOG_LEVEL",
		"dialer-username": envPrefix + "DIALER_USERNAME",
		"dialer-password": envPrefix + "DIALER_PASSWORD",
		"dialer-media":    envPrefix + "DIALER_MEDIA",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "server-ip":
			cfg.ServerIP = val
		case "server-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ServerPort = v
			}
		case "realm":
			cfg.Realm = val
		case "data-dir":
			cfg.DataDir = val
		case "cdr-dir":
			cfg.CDRDir = val
		case "users-file":
			cfg.UsersFile = val
		case "config-file":
			cfg.ConfigFile = val
		case "log-level":
			cfg.LogLevel = val
		case "dialer-username":
			cfg.DialerUsername = val
		case "dialer-password":
			cfg.DialerPassword = val
		case "dialer-media":
			cfg.DialerMediaFile = val
		}
	}
}

func (c *Config) validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("server-port must be between 1 and 65535, got %d", c.ServerPort)
	}
	if net.ParseIP(c.ServerIP) == nil {
		return fmt.Errorf("server-ip %q is not a valid IP address", c.ServerIP)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	return nil
}

// ListenAddr returns the host:port the SIP socket binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ServerIP, strconv.Itoa(c.ServerPort))
}

// primaryInterfaceIP returns the first non-loopback IPv4 address, falling
// back to loopback when detection fails.
func primaryInterfaceIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

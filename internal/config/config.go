package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Config struct {
	ConfigFile     string
	LogLevel       zerolog.Level
	InstallService bool

	Username string            `json:"username"`
	Password string            `json:"password"`
	PINs     map[string]string `json:"pins"` // controller serial -> numeric PIN

	DatabasePath string `json:"database_path"`
	LogFilePath  string `json:"log_file_path"`
	APIPort      int    `json:"api_port"`

	PollIntervalSeconds int `json:"poll_interval_seconds"`
	CycleTimeoutSeconds int `json:"cycle_timeout_seconds"`

	// Safety margin before forcing a re-login. The server-side session
	// lifetime is undocumented, so this stays configurable.
	SessionTTLMinutes int `json:"session_ttl_minutes"`

	EnableDatadog bool     `json:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace"`
	DDTags        []string `json:"dd_tags"`

	NtfyTopic             string `json:"ntfy_topic"`
	FailureAlertThreshold int    `json:"failure_alert_threshold"`

	OSServicePath string `json:"os_service_path"`
}

func Load() Config {
	var logLevel string
	var configFile string
	var installService bool

	flag.StringVar(&configFile, "config-file", "config.json", "Path to bridge config file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&installService, "install-service", false, "Write the systemd unit and exit")
	flag.Parse()

	cfg, err := LoadFile(configFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	cfg.ConfigFile = configFile
	cfg.LogLevel = parseLogLevel(logLevel)
	cfg.InstallService = installService

	if err := cfg.Validate(); err != nil {
		panic("Invalid config: " + err.Error())
	}
	return cfg
}

// LoadFile decodes the JSON config file and applies defaults. Validation is
// separate so pairing can report problems instead of panicking.
func LoadFile(path string) (Config, error) {
	var cfg Config

	file, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "data/proair.db"
	}
	if cfg.LogFilePath == "" {
		cfg.LogFilePath = "/var/log/proair-bridge.log"
	}
	if cfg.APIPort == 0 {
		cfg.APIPort = 8088
	}
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = 60
	}
	if cfg.CycleTimeoutSeconds == 0 {
		cfg.CycleTimeoutSeconds = 30
	}
	if cfg.SessionTTLMinutes == 0 {
		cfg.SessionTTLMinutes = 60
	}
	if cfg.DDNamespace == "" {
		cfg.DDNamespace = "proair."
	}
	if cfg.FailureAlertThreshold == 0 {
		cfg.FailureAlertThreshold = 3
	}
	if cfg.OSServicePath == "" {
		cfg.OSServicePath = "/etc/systemd/system/proair-bridge.service"
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	var problems []string

	if cfg.Username == "" {
		problems = append(problems, "username is required")
	}
	if cfg.Password == "" {
		problems = append(problems, "password is required")
	}
	if len(cfg.PINs) == 0 {
		problems = append(problems, "at least one serial->pin entry is required")
	}
	for serial, pin := range cfg.PINs {
		if serial == "" {
			problems = append(problems, "pins contains an empty serial")
			continue
		}
		if _, err := strconv.Atoi(pin); err != nil {
			problems = append(problems, fmt.Sprintf("pin for %s must be numeric, got %q", serial, pin))
		}
	}
	if cfg.CycleTimeoutSeconds >= cfg.PollIntervalSeconds {
		problems = append(problems, fmt.Sprintf(
			"cycle_timeout_seconds (%d) must be shorter than poll_interval_seconds (%d)",
			cfg.CycleTimeoutSeconds, cfg.PollIntervalSeconds))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

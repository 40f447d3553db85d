package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig drives the coordinator service. All durations are plain
// seconds in YAML to match the diagnostic scripts' expectations.
type ServerConfig struct {
	Listen             string        `yaml:"listen"`
	DBPath             string        `yaml:"db_path"`
	AdminToken         string        `yaml:"admin_token"`
	AdminTokenFile     string        `yaml:"admin_token_file"`
	AutoApproveDevices bool          `yaml:"auto_approve_devices"`
	OfflineThresholdS  int           `yaml:"offline_threshold_s"`
	ActionTTLS         int           `yaml:"action_ttl_s"`
	PendingTTLS        int           `yaml:"pending_adoption_ttl_s"`
	SweepIntervalS     int           `yaml:"sweep_interval_s"`
	Heartbeat          RateConfig    `yaml:"heartbeat"`
	Logging            LoggingConfig `yaml:"logging"`
	Tracing            TracingConfig `yaml:"tracing"`
}

// RateConfig caps per-device request rates; Limit <= 0 disables the cap.
type RateConfig struct {
	Limit   int `yaml:"limit"`
	WindowS int `yaml:"window_s"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio"`
	LogSpans     bool    `yaml:"log_spans"`
}

// AgentConfig drives the PatchPilot agent.
type AgentConfig struct {
	Server       AgentServerConfig `yaml:"server"`
	DeviceIDPath string            `yaml:"device_id_path"`
	IntervalS    int               `yaml:"heartbeat_interval_s"`
	JitterS      int               `yaml:"heartbeat_jitter_s"`
	ExecTimeoutS int               `yaml:"exec_timeout_s"`
	Logging      LoggingConfig     `yaml:"logging"`
}

type AgentServerConfig struct {
	URL             string `yaml:"url"`
	RequestTimeoutS int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
}

// LoadServer reads the server config. A missing file yields pure defaults so
// the service runs out of the box, matching the installer scripts that only
// write a config when the operator customizes something.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if v := os.Getenv("PATCHPILOT_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("PATCHPILOT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PATCHPILOT_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("PATCHPILOT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PATCHPILOT_AUTO_APPROVE"); v != "" {
		cfg.AutoApproveDevices = parseBool(v)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *ServerConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DBPath == "" {
		c.DBPath = "patchpilot.db"
	}
	if c.OfflineThresholdS <= 0 {
		c.OfflineThresholdS = 180
	}
	if c.ActionTTLS <= 0 {
		c.ActionTTLS = 3600
	}
	if c.PendingTTLS <= 0 {
		c.PendingTTLS = 86400
	}
	if c.SweepIntervalS <= 0 {
		c.SweepIntervalS = 60
	}
	if c.Heartbeat.WindowS <= 0 {
		c.Heartbeat.WindowS = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
}

// ResolveAdminToken returns the admin bearer token, preferring the inline
// value over the token file.
func (c *ServerConfig) ResolveAdminToken() (string, error) {
	if c.AdminToken != "" {
		return c.AdminToken, nil
	}
	if c.AdminTokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.AdminTokenFile)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *ServerConfig) OfflineThreshold() time.Duration {
	return time.Duration(c.OfflineThresholdS) * time.Second
}

func (c *ServerConfig) ActionTTL() time.Duration {
	return time.Duration(c.ActionTTLS) * time.Second
}

func (c *ServerConfig) PendingAdoptionTTL() time.Duration {
	return time.Duration(c.PendingTTLS) * time.Second
}

func (c *ServerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalS) * time.Second
}

func (c *ServerConfig) HeartbeatWindow() time.Duration {
	return time.Duration(c.Heartbeat.WindowS) * time.Second
}

// LoadAgent reads the agent config; a missing file yields defaults.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := &AgentConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if v := os.Getenv("PATCHPILOT_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("PATCHPILOT_DEVICE_ID_PATH"); v != "" {
		cfg.DeviceIDPath = v
	}
	if v := os.Getenv("PATCHPILOT_AGENT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if c.IntervalS <= 0 {
		c.IntervalS = 60
	}
	if c.IntervalS < 5 {
		return ErrInvalidInterval
	}
	if c.JitterS < 0 {
		c.JitterS = 0
	}
	if c.ExecTimeoutS <= 0 {
		c.ExecTimeoutS = 300
	}
	if c.DeviceIDPath == "" {
		c.DeviceIDPath = "device_id"
	}
	if c.Server.RequestTimeoutS <= 0 {
		c.Server.RequestTimeoutS = 10
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 5000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 5
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

func (c *AgentConfig) Interval() time.Duration {
	return time.Duration(c.IntervalS) * time.Second
}

func (c *AgentConfig) Jitter() time.Duration {
	return time.Duration(c.JitterS) * time.Second
}

func (c *AgentConfig) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutS) * time.Second
}

func (c *AgentConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutS) * time.Second
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}

var (
	ErrMissingServerURL = &Error{"server URL is required"}
	ErrInvalidInterval  = &Error{"heartbeat interval must be >= 5s"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

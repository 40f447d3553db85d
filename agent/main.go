package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/patchpilot/patchpilot/pkg/config"
	"github.com/patchpilot/patchpilot/pkg/sysinfo"
)

var (
	configPath = flag.String("config", "/opt/patchpilot_client/agent.yaml", "Config file path")
	serverURL  = flag.String("server", "", "PatchPilot server URL (overrides config)")
	interval   = flag.Duration("interval", 0, "Heartbeat interval (overrides config)")
	Version    = "dev"
)

// Agent heartbeats on an interval, executes at most one action per check-in,
// and posts the result back. It retries transport failures but never
// interprets authorization errors as anything other than "keep waiting".
type Agent struct {
	cfg      *config.AgentConfig
	client   *http.Client
	deviceID string
	retry    *retrier
}

func main() {
	flag.Parse()

	configureLogger()
	log.Info().Str("version", Version).Msg("PatchPilot agent starting")

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *interval > 0 {
		cfg.IntervalS = int(interval.Seconds())
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	applyLogging(cfg.Logging)

	agent := &Agent{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout()},
		retry:  newRetrier(cfg.Server.RetryInitialMs, cfg.Server.RetryMaxMs, cfg.Server.RetryMaxRetries),
	}

	if err := agent.loadOrCreateDeviceID(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize device identity")
	}
	log.Info().Str("device_id", agent.deviceID).Str("server", cfg.Server.URL).Msg("Agent initialized")

	// First contact immediately; the server creates us Pending if unknown.
	agent.checkin()

	jitter := cfg.Jitter()
	ticker := time.NewTicker(cfg.Interval())
	defer ticker.Stop()

	for range ticker.C {
		if jitter > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(jitter))))
		}
		agent.checkin()
	}
}

// loadOrCreateDeviceID reads the persisted device UUID or mints and stores a
// new one. The ID is client-generated and immutable from then on.
func (a *Agent) loadOrCreateDeviceID() error {
	path := a.cfg.DeviceIDPath
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			a.deviceID = id
			return nil
		}
		log.Warn().Str("path", path).Msg("Stored device ID invalid, generating a new one")
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return err
	}
	a.deviceID = id
	log.Info().Str("device_id", id).Msg("Generated new device ID")
	return nil
}

type heartbeatResponse struct {
	DeviceID   string `json:"device_id"`
	Status     string `json:"status"`
	NextAction *struct {
		ActionID uint   `json:"action_id"`
		Spec     string `json:"spec"`
	} `json:"next_action"`
}

// checkin sends one heartbeat and runs the action it may carry.
func (a *Agent) checkin() {
	snapshot := sysinfo.Collect(context.Background())

	var resp heartbeatResponse
	err := a.retry.do(func() error {
		return a.postHeartbeat(snapshot.JSON(), &resp)
	}, isRetryableHTTP)
	if err != nil {
		var statusErr *httpStatusError
		if errors.As(err, &statusErr) && statusErr.status == http.StatusUnauthorized {
			// Rejected or revoked: keep heartbeating, the server decides.
			log.Warn().Msg("Server refused contact; device is rejected or revoked")
			return
		}
		log.Error().Err(err).Msg("Heartbeat failed")
		return
	}

	switch resp.Status {
	case "pending":
		log.Debug().Msg("Awaiting adoption approval")
		return
	case "approved":
	default:
		log.Warn().Str("status", resp.Status).Msg("Unexpected adoption state")
		return
	}

	if resp.NextAction == nil {
		return
	}
	log.Info().Uint("action_id", resp.NextAction.ActionID).Msg("Action received")
	result := a.execute(resp.NextAction.Spec)
	a.postResult(resp.NextAction.ActionID, result)
}

func (a *Agent) postHeartbeat(systemInfo string, out *heartbeatResponse) error {
	payload, err := json.Marshal(map[string]string{
		"device_id":   a.deviceID,
		"system_info": systemInfo,
	})
	if err != nil {
		return err
	}

	resp, err := a.client.Post(a.endpoint("/api/devices/heartbeat"), "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *Agent) postResult(actionID uint, result execResult) {
	body, err := json.Marshal(map[string]any{
		"device_id": a.deviceID,
		"result":    result.JSON(),
		"success":   result.Success,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode action result")
		return
	}

	err = a.retry.do(func() error {
		resp, err := a.client.Post(a.endpoint(fmt.Sprintf("/api/actions/%d/result", actionID)), "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		return nil
	}, isRetryableHTTP)
	if err != nil {
		var statusErr *httpStatusError
		if errors.As(err, &statusErr) && statusErr.status == http.StatusConflict {
			// Expired while we ran it; the server discards late results.
			log.Warn().Uint("action_id", actionID).Msg("Result arrived after action expired")
			return
		}
		log.Error().Err(err).Uint("action_id", actionID).Msg("Failed to post action result")
		return
	}
	log.Info().Uint("action_id", actionID).Bool("success", result.Success).Msg("Action result recorded")
}

func (a *Agent) endpoint(path string) string {
	return strings.TrimRight(a.cfg.Server.URL, "/") + path
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &httpStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
}

func configureLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("PATCHPILOT_AGENT_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	log.Logger = newLogger(strings.ToLower(os.Getenv("PATCHPILOT_AGENT_LOG_FORMAT"))).Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}
	format := "console"
	if cfg.JSON {
		format = "json"
	}
	log.Logger = newLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func newLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}

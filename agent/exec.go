package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

// actionSpec is the wire form of a command payload. The server treats it as
// opaque; only the agent interprets it.
type actionSpec struct {
	Type     string `json:"type"`
	Command  string `json:"command"`
	TimeoutS int    `json:"timeout_s"`
}

type execResult struct {
	ExitCode  int     `json:"exit_code"`
	Stdout    string  `json:"stdout"`
	Stderr    string  `json:"stderr"`
	DurationS float64 `json:"duration_s"`
	Success   bool    `json:"success"`
	Error     string  `json:"error,omitempty"`
}

func (r execResult) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"error":"result encoding failed"}`
	}
	return string(data)
}

// execute runs one action spec to completion. Malformed or unsupported specs
// become failed results so the server still gets a terminal transition.
func (a *Agent) execute(rawSpec string) execResult {
	spec, err := parseSpec(rawSpec)
	if err != nil {
		return execResult{Success: false, Error: err.Error()}
	}

	timeout := a.cfg.ExecTimeout()
	if spec.TimeoutS > 0 {
		timeout = time.Duration(spec.TimeoutS) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", spec.Command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", spec.Command)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := execResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		DurationS: elapsed.Seconds(),
		Success:   runErr == nil,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctx.Err() == context.DeadlineExceeded {
		result.Success = false
		result.Error = "command timed out"
	} else if runErr != nil {
		result.Error = runErr.Error()
	}

	log.Info().
		Int("exit_code", result.ExitCode).
		Dur("duration", elapsed).
		Bool("success", result.Success).
		Msg("Action executed")
	return result
}

func parseSpec(raw string) (*actionSpec, error) {
	var spec actionSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return nil, &specError{"spec is not valid JSON"}
	}
	if spec.Type != "shell" {
		return nil, &specError{"unsupported spec type: " + spec.Type}
	}
	if spec.Command == "" {
		return nil, &specError{"spec has no command"}
	}
	return &spec, nil
}

type specError struct {
	msg string
}

func (e *specError) Error() string {
	return e.msg
}

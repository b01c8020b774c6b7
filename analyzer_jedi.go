// pycomplete/analyzer_jedi.go
// Jedi backend: runs an embedded helper script under the configured Python
// interpreter, one process per request.
package pycomplete

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/gjson"
)

//go:embed jedi_complete.py
var jediScript string

// jediExitUnavailable is the helper's exit status when jedi cannot be imported.
const jediExitUnavailable = 3

type jediOptions struct {
	pythonPath   string
	extraSysPath []string
}

type jediAnalyzer struct {
	opts   jediOptions
	logger *slog.Logger
}

type jediRequest struct {
	Source  string   `json:"source,omitempty"`
	Path    string   `json:"path,omitempty"`
	Line    int      `json:"line,omitempty"`
	Column  int      `json:"column"`
	SysPath []string `json:"sys_path,omitempty"`
	Probe   bool     `json:"probe,omitempty"`
}

func newJediAnalyzer(opts jediOptions, logger *slog.Logger) *jediAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.pythonPath == "" {
		opts.pythonPath = defaultPythonPath
	}
	return &jediAnalyzer{opts: opts, logger: logger.With("component", "JediAnalyzer")}
}

// Complete runs jedi for req. Cancelling ctx kills the interpreter.
func (j *jediAnalyzer) Complete(ctx context.Context, req Request) ([]Candidate, error) {
	payload, err := json.Marshal(jediRequest{
		Source:  req.Source,
		Path:    req.Path,
		Line:    req.Line,
		Column:  req.Column,
		SysPath: j.opts.extraSysPath,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %w", ErrAnalysisFailed, err)
	}
	start := time.Now()
	out, err := j.exec(ctx, payload)
	if err != nil {
		return nil, err
	}
	candidates, err := parseJediOutput(out)
	if err != nil {
		return nil, err
	}
	j.logger.Debug("Jedi completion finished", "req_id", req.ID, "candidates", len(candidates),
		"output", humanize.Bytes(uint64(len(out))), "elapsed", time.Since(start))
	return candidates, nil
}

// CheckAvailability verifies the interpreter starts and can import jedi.
func (j *jediAnalyzer) CheckAvailability(ctx context.Context) error {
	out, err := j.exec(ctx, []byte(`{"probe":true}`))
	if err != nil {
		return err
	}
	j.logger.Info("Jedi available", "python", j.opts.pythonPath, "jedi_version", gjson.GetBytes(out, "version").String())
	return nil
}

// Close is a no-op; no process outlives a request.
func (j *jediAnalyzer) Close() error { return nil }

func (j *jediAnalyzer) exec(ctx context.Context, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, j.opts.pythonPath, "-c", jediScript)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrAnalysisFailed, ctxErr)
	}
	if err == nil {
		return stdout.Bytes(), nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, fmt.Errorf("%w: python interpreter %q not found", ErrAnalyzerUnavailable, j.opts.pythonPath)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := gjson.GetBytes(stdout.Bytes(), "error").String()
		if msg == "" {
			msg = strings.TrimSpace(stderr.String())
		}
		if exitErr.ExitCode() == jediExitUnavailable {
			return nil, fmt.Errorf("%w: %s", ErrAnalyzerUnavailable, msg)
		}
		return nil, fmt.Errorf("%w: jedi exited with status %d: %s", ErrAnalysisFailed, exitErr.ExitCode(), msg)
	}
	return nil, fmt.Errorf("%w: starting %s: %w", ErrAnalyzerUnavailable, j.opts.pythonPath, err)
}

// parseJediOutput converts the helper's JSON into candidates.
func parseJediOutput(out []byte) ([]Candidate, error) {
	if !gjson.ValidBytes(out) {
		return nil, fmt.Errorf("%w: invalid JSON from jedi helper", ErrAnalysisFailed)
	}
	res := gjson.ParseBytes(out)
	if msg := res.Get("error"); msg.Exists() {
		if res.Get("unavailable").Bool() {
			return nil, fmt.Errorf("%w: %s", ErrAnalyzerUnavailable, msg.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrAnalysisFailed, msg.String())
	}
	items := res.Get("completions").Array()
	candidates := make([]Candidate, 0, len(items))
	for _, item := range items {
		name := item.Get("name").String()
		if name == "" {
			continue
		}
		candidates = append(candidates, Candidate{
			Name:     name,
			Category: strings.ToLower(item.Get("type").String()),
			Doc:      item.Get("doc").String(),
		})
	}
	return candidates, nil
}

package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adrianmcphee/polybase"
)

const (
	specFile      = "function.json"
	codeFile      = "code"
	maxStderrNote = 512
)

// Response is what an in-process Go handler returns.
type Response struct {
	StatusCode int         `json:"statusCode"`
	Body       interface{} `json:"body,omitempty"`
}

// Handler is an in-process function implementation for the "go" runtime.
type Handler func(ctx context.Context, event map[string]interface{}) (Response, error)

// interpreters maps script runtimes to the binary that runs them.
var interpreters = map[string]string{
	polybase.RuntimeShell:  "sh",
	polybase.RuntimePython: "python3",
	polybase.RuntimeNode:   "node",
}

// Functions runs deployed functions on this machine. Script functions receive the
// event as JSON on stdin and may print {"statusCode":..., "body":...} on stdout.
type Functions struct {
	dir     string
	logger  polybase.Logger
	metrics polybase.Metrics
	// go runtime handlers keyed by FunctionSpec.Handler; fixed at construction
	handlers map[string]Handler

	mu    sync.RWMutex
	specs map[string]polybase.FunctionSpec
}

func newFunctions(dir string, handlers map[string]Handler, logger polybase.Logger, metrics polybase.Metrics) *Functions {
	return &Functions{
		dir:      dir,
		handlers: handlers,
		logger:   logger,
		metrics:  metrics,
		specs:    map[string]polybase.FunctionSpec{},
	}
}

func (f *Functions) Name() string { return nameFunctions }

// Start loads previously deployed functions.
func (f *Functions) Start(ctx context.Context) error {
	if err := os.MkdirAll(f.dir, polybase.DefaultDirPermissions); err != nil {
		return fmt.Errorf("%w: %w", polybase.ErrInitialization, err)
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("%w: %w", polybase.ErrInitialization, err)
	}
	specs := map[string]polybase.FunctionSpec{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(f.dir, e.Name(), specFile))
		if err != nil {
			continue
		}
		var spec polybase.FunctionSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			f.logger.Warn("Skipping unreadable function", "function", e.Name(), "error", err)
			continue
		}
		specs[spec.Name] = spec
	}
	f.mu.Lock()
	f.specs = specs
	f.mu.Unlock()
	return nil
}

func (f *Functions) Stop(ctx context.Context) error { return nil }

func (f *Functions) Health(ctx context.Context) error {
	if _, err := os.Stat(f.dir); err != nil {
		return fmt.Errorf("%w: %w", polybase.ErrBackendUnavailable, err)
	}
	return nil
}

func validateFunctionName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return polybase.WithContext(polybase.ErrInvalidConfig, map[string]interface{}{
			"field": "Name",
			"value": name,
		})
	}
	return nil
}

// Deploy stores spec and code, replacing an existing function of the same name.
func (f *Functions) Deploy(ctx context.Context, spec polybase.FunctionSpec, code []byte) (polybase.FunctionSpec, error) {
	if err := spec.Validate(); err != nil {
		return polybase.FunctionSpec{}, err
	}
	if err := validateFunctionName(spec.Name); err != nil {
		return polybase.FunctionSpec{}, err
	}
	if spec.Runtime == "" {
		spec.Runtime = polybase.RuntimeGo
	}
	switch {
	case spec.Runtime == polybase.RuntimeGo:
		if _, ok := f.handlers[spec.Handler]; !ok {
			return polybase.FunctionSpec{}, polybase.WithContext(polybase.ErrInvalidConfig, map[string]interface{}{
				"field":  "Handler",
				"value":  spec.Handler,
				"reason": "no Go handler registered under this name",
			})
		}
	case interpreters[spec.Runtime] != "":
		if len(code) == 0 {
			return polybase.FunctionSpec{}, polybase.WithContext(polybase.ErrInvalidConfig, map[string]interface{}{
				"field":  "code",
				"value":  spec.Name,
				"reason": "script runtimes need code",
			})
		}
	default:
		return polybase.FunctionSpec{}, polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
			"runtime": spec.Runtime,
		})
	}
	spec.UpdatedAt = time.Now().UTC()

	dir := filepath.Join(f.dir, spec.Name)
	if err := os.MkdirAll(dir, polybase.DefaultDirPermissions); err != nil {
		return polybase.FunctionSpec{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, codeFile), code, 0700); err != nil {
		return polybase.FunctionSpec{}, err
	}
	raw, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return polybase.FunctionSpec{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, specFile), raw, polybase.DefaultFilePermissions); err != nil {
		return polybase.FunctionSpec{}, err
	}

	f.mu.Lock()
	f.specs[spec.Name] = spec
	f.mu.Unlock()
	f.logger.Info("Function deployed", "function", spec.Name, "runtime", spec.Runtime)
	return spec, nil
}

func (f *Functions) spec(name string) (polybase.FunctionSpec, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	spec, ok := f.specs[name]
	if !ok {
		return polybase.FunctionSpec{}, polybase.WithContext(polybase.ErrNotFound, map[string]interface{}{
			"function": name,
		})
	}
	return spec, nil
}

// Invoke runs the function with its timeout. A failure inside the function is
// reported in FunctionResult.Error; the error return is for failures to run it.
func (f *Functions) Invoke(ctx context.Context, name string, event map[string]interface{}) (polybase.FunctionResult, error) {
	spec, err := f.spec(name)
	if err != nil {
		return polybase.FunctionResult{}, err
	}
	if event == nil {
		event = map[string]interface{}{}
	}

	ctx, cancel := context.WithTimeout(ctx, spec.EffectiveTimeout())
	defer cancel()

	start := time.Now()
	var res polybase.FunctionResult
	if spec.Runtime == polybase.RuntimeGo {
		res, err = f.invokeGo(ctx, spec, event)
	} else {
		res, err = f.invokeScript(ctx, spec, event)
	}
	res.Duration = time.Since(start)

	f.metrics.Increment(polybase.MetricFunctionInvocations, "function", name)
	f.metrics.Timing(polybase.MetricFunctionDuration, res.Duration, "function", name)
	if err != nil || !res.Succeeded() {
		f.metrics.Increment(polybase.MetricFunctionFailures, "function", name)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, polybase.WithContext(polybase.ErrTimeout, map[string]interface{}{
			"function": name,
			"timeout":  spec.EffectiveTimeout().String(),
		})
	}
	return res, err
}

func (f *Functions) invokeGo(ctx context.Context, spec polybase.FunctionSpec, event map[string]interface{}) (polybase.FunctionResult, error) {
	h, ok := f.handlers[spec.Handler]
	if !ok {
		return polybase.FunctionResult{}, polybase.WithContext(polybase.ErrNotFound, map[string]interface{}{
			"handler": spec.Handler,
		})
	}

	type outcome struct {
		res polybase.FunctionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{res: polybase.FunctionResult{
					StatusCode: 500,
					Error:      &polybase.FunctionError{Message: fmt.Sprint(r), Type: "Panic"},
				}}
			}
		}()
		resp, err := h(ctx, event)
		if err != nil {
			done <- outcome{res: polybase.FunctionResult{
				StatusCode: 500,
				Error:      &polybase.FunctionError{Message: err.Error(), Type: "HandlerError"},
			}}
			return
		}
		body, err := json.Marshal(resp.Body)
		if err != nil {
			done <- outcome{err: fmt.Errorf("%w: encode response: %w", polybase.ErrInvalidData, err)}
			return
		}
		status := resp.StatusCode
		if status == 0 {
			status = 200
		}
		done <- outcome{res: polybase.FunctionResult{StatusCode: status, Body: body}}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return polybase.FunctionResult{}, ctx.Err()
	}
}

func (f *Functions) invokeScript(ctx context.Context, spec polybase.FunctionSpec, event map[string]interface{}) (polybase.FunctionResult, error) {
	input, err := json.Marshal(event)
	if err != nil {
		return polybase.FunctionResult{}, fmt.Errorf("%w: %w", polybase.ErrInvalidData, err)
	}
	cmd := exec.CommandContext(ctx, interpreters[spec.Runtime], filepath.Join(f.dir, spec.Name, codeFile))
	cmd.Dir = filepath.Join(f.dir, spec.Name)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = time.Second
	cmd.Env = os.Environ()
	for k, v := range spec.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() != nil {
		return polybase.FunctionResult{}, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderrNote {
			msg = msg[:maxStderrNote]
		}
		if msg == "" {
			msg = exitErr.Error()
		}
		return polybase.FunctionResult{
			StatusCode: 500,
			Error:      &polybase.FunctionError{Message: msg, Type: "ExitError"},
		}, nil
	}
	if err != nil {
		return polybase.FunctionResult{}, polybase.WithContext(fmt.Errorf("%w: %w", polybase.ErrBackendUnavailable, err), map[string]interface{}{
			"runtime": spec.Runtime,
		})
	}
	return parseScriptOutput(stdout.Bytes()), nil
}

// parseScriptOutput accepts a {"statusCode","body"} object; anything else is the body.
func parseScriptOutput(out []byte) polybase.FunctionResult {
	out = bytes.TrimSpace(out)
	var envelope struct {
		StatusCode int             `json:"statusCode"`
		Body       json.RawMessage `json:"body"`
	}
	if len(out) > 0 && json.Unmarshal(out, &envelope) == nil && envelope.StatusCode != 0 {
		return polybase.FunctionResult{StatusCode: envelope.StatusCode, Body: envelope.Body}
	}
	if len(out) == 0 {
		return polybase.FunctionResult{StatusCode: 200}
	}
	if json.Valid(out) {
		return polybase.FunctionResult{StatusCode: 200, Body: out}
	}
	body, _ := json.Marshal(string(out))
	return polybase.FunctionResult{StatusCode: 200, Body: body}
}

// List returns deployed functions by name.
func (f *Functions) List(ctx context.Context) ([]polybase.FunctionSpec, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]polybase.FunctionSpec, 0, len(f.specs))
	for _, s := range f.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Export returns the spec and stored code of a function.
func (f *Functions) Export(ctx context.Context, name string) (polybase.FunctionSpec, []byte, error) {
	spec, err := f.spec(name)
	if err != nil {
		return polybase.FunctionSpec{}, nil, err
	}
	code, err := os.ReadFile(filepath.Join(f.dir, name, codeFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return polybase.FunctionSpec{}, nil, err
	}
	return spec, code, nil
}

func (f *Functions) Remove(ctx context.Context, name string) error {
	if _, err := f.spec(name); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(f.dir, name)); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.specs, name)
	f.mu.Unlock()
	return nil
}

var (
	_ polybase.FunctionsProvider = (*Functions)(nil)
	_ polybase.Component         = (*Functions)(nil)
)

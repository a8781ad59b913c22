package engine

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kilnci/kiln/internal/streaming"
	"github.com/kilnci/kiln/internal/telemetry"
	"github.com/kilnci/kiln/pkg/schema"
)

// LoadDefaults resolves the workflow-level environment defaults: the env_file
// (dotenv format) is read first, then the inline env map is merged over it.
func LoadDefaults(plan *schema.Plan) (map[string]string, error) {
	defaults := make(map[string]string)

	if plan.EnvFile != "" {
		fromFile, err := godotenv.Read(plan.EnvFile)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "read env_file %s: %v", plan.EnvFile, err).WithCause(err)
		}
		for k, v := range fromFile {
			defaults[k] = v
		}
	}
	for k, v := range plan.Env {
		defaults[k] = v
	}
	return defaults, nil
}

// MergeEnv overlays maps left to right; later maps win.
func MergeEnv(layers ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}

// FinalEnv flattens the merged layers into KEY=VALUE form and overlays the
// runtime environment on top. A variable already set in the process
// environment always wins over any declared layer.
func FinalEnv(merged map[string]string, runtime []string) []string {
	final := make(map[string]string, len(merged)+len(runtime))
	for k, v := range merged {
		final[k] = v
	}
	for _, entry := range runtime {
		if k, v, ok := strings.Cut(entry, "="); ok {
			final[k] = v
		}
	}

	env := make([]string, 0, len(final))
	for k, v := range final {
		env = append(env, k+"="+v)
	}
	return env
}

// ParseProviderOutput extracts KEY=VALUE assignments from provider stdout.
// Lines without an assignment are ignored so providers may print diagnostics.
func ParseProviderOutput(out string) map[string]string {
	vars := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		vars[key] = value
	}
	return vars
}

const maxProviderOutput = 1024 * 1024 // 1MB

// providerRunner executes environment providers in declaration order and
// accumulates their variables. Later providers win on key collisions.
type providerRunner struct {
	runID   string
	sink    streaming.Sink
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// Run executes all providers. A provider exiting non-zero is fatal for the
// whole run before any job starts.
func (p *providerRunner) Run(ctx context.Context, providers []schema.ProviderSpec) (map[string]string, error) {
	vars := make(map[string]string)
	for _, provider := range providers {
		fromProvider, err := p.runOne(ctx, provider)
		if err != nil {
			p.metrics.ProviderFailures.Inc()
			_ = p.sink.Publish(ctx, streaming.Event{
				RunID:     p.runID,
				Type:      schema.EventProviderFailed,
				Payload:   map[string]any{"provider": provider.Name, "error": err.Error()},
				Timestamp: time.Now().UTC(),
			})
			return nil, err
		}

		for k, v := range fromProvider {
			vars[k] = v
		}
		_ = p.sink.Publish(ctx, streaming.Event{
			RunID:     p.runID,
			Type:      schema.EventProviderLoaded,
			Payload:   map[string]any{"provider": provider.Name, "variables": len(fromProvider)},
			Timestamp: time.Now().UTC(),
		})
		p.logger.InfoContext(ctx, "environment provider loaded", "provider", provider.Name, "variables", len(fromProvider))
	}
	return vars, nil
}

func (p *providerRunner) runOne(ctx context.Context, provider schema.ProviderSpec) (map[string]string, error) {
	cmd := exec.CommandContext(ctx, provider.Command, provider.Args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, schema.NewErrorf(schema.ErrCodeProviderFailure, "provider %q failed: %s", provider.Name, detail).
			WithCause(err).
			WithDetails(map[string]any{"provider": provider.Name})
	}
	if stdout.Len() > maxProviderOutput {
		return nil, schema.NewErrorf(schema.ErrCodeProviderFailure,
			"provider %q produced %d bytes of output, limit is %d", provider.Name, stdout.Len(), maxProviderOutput).
			WithDetails(map[string]any{"provider": provider.Name})
	}

	return ParseProviderOutput(stdout.String()), nil
}

// envToMap splits KEY=VALUE entries into a map, dropping malformed entries.
func envToMap(entries []string) map[string]string {
	m := make(map[string]string, len(entries))
	for _, entry := range entries {
		if k, v, ok := strings.Cut(entry, "="); ok {
			m[k] = v
		}
	}
	return m
}

// runtimeEnviron is swapped in tests to control the highest-precedence layer.
var runtimeEnviron = os.Environ

// Command kiln executes a leveled job plan: levels in sequence, jobs within a
// level in parallel, with artifact hand-off between levels.
//
// Usage:
//
//	kiln <plan-file>
//
// The plan is YAML or JSON (chosen by file extension). Exit code 0 means the
// run completed, 1 means it failed, 130 means it was cancelled.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/kilnci/kiln/internal/artifact"
	"github.com/kilnci/kiln/internal/engine"
	"github.com/kilnci/kiln/internal/executor"
	"github.com/kilnci/kiln/internal/logging"
	"github.com/kilnci/kiln/internal/store"
	"github.com/kilnci/kiln/internal/streaming"
	"github.com/kilnci/kiln/internal/telemetry"
	"github.com/kilnci/kiln/internal/validation"
	"github.com/kilnci/kiln/pkg/schema"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 1 && (args[0] == "version" || args[0] == "--version") {
		fmt.Println("kiln", version)
		return schema.ExitOK
	}
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: kiln <plan-file>")
		return schema.ExitFailure
	}

	cfg := loadConfig()
	logger := logging.Setup(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	plan, err := loadPlan(args[0])
	if err != nil {
		logger.Error("failed to load plan", "path", args[0], "error", err)
		return schema.ExitFailure
	}

	validator, err := validation.NewPlanValidator()
	if err != nil {
		logger.Error("failed to build plan validator", "error", err)
		return schema.ExitFailure
	}
	if err := validator.Validate(plan); err != nil {
		logger.Error("plan rejected", "error", err)
		return schema.ExitFailure
	}

	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	artifacts, err := artifact.NewStore(cfg.ArtifactsRoot, logger, metrics)
	if err != nil {
		logger.Error("failed to open artifact store", "error", err)
		return schema.ExitFailure
	}

	sinks := []streaming.Sink{streaming.NewLogSink(logger)}
	if cfg.EventsDB != "" && cfg.EventsDB != "off" {
		if err := os.MkdirAll(filepath.Dir(cfg.EventsDB), 0o755); err != nil {
			logger.Error("failed to create events db directory", "error", err)
			return schema.ExitFailure
		}
		eventLog, err := store.OpenEventLog("file:" + cfg.EventsDB)
		if err != nil {
			logger.Error("failed to open event log", "path", cfg.EventsDB, "error", err)
			return schema.ExitFailure
		}
		defer eventLog.Close()
		sinks = append(sinks, eventLog)
	}
	// Job transitions stream through the in-memory hub to the terminal as
	// one progress line each; the structured log keeps the full detail.
	hub := streaming.NewMemoryHub()
	sinks = append(sinks, hub)
	stopProgress := watchProgress(hub, os.Stdout)
	defer stopProgress()

	sink := streaming.NewFanOut(logger, sinks...)

	var pool *executor.Pool
	if planUsesContainers(plan) {
		runtime, err := executor.NewDockerRuntime()
		if err != nil {
			logger.Error("plan declares container jobs but no container runtime is reachable", "error", err)
			return schema.ExitFailure
		}
		defer runtime.Close()
		pool = executor.NewPool(runtime, runID)
	}

	factory := executor.NewFactory(executor.LocalConfig{
		TmpRoot:       cfg.TmpRoot,
		RunID:         runID,
		KeepWorkspace: cfg.KeepWorkspace,
	}, pool, logger)
	defer func() {
		if err := factory.Local().RemoveRoot(); err != nil {
			logger.Warn("failed to remove run workspace", "error", err)
		}
	}()

	eng := engine.New(engine.Config{RunID: runID, PoolSize: cfg.PoolSize}, factory, artifacts, sink, metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal flags cancellation: in-flight actions finish and cleanup
	// conditions fire. A second signal aborts hard.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Warn("cancellation requested, finishing in-flight work")
		eng.Cancel()
		<-sigCh
		logger.Error("second signal, aborting")
		cancel()
	}()

	result, err := eng.Run(ctx, plan)
	if err != nil {
		logger.Error("run finished with error", "error", err)
	}
	printSummary(result)
	return result.ExitCode()
}

func loadPlan(path string) (*schema.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var plan schema.Plan
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("parse yaml plan: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("parse json plan: %w", err)
		}
	}
	return &plan, nil
}

func planUsesContainers(plan *schema.Plan) bool {
	for _, level := range plan.Levels {
		for _, job := range level.Jobs {
			if job.Executor.Kind == executor.KindContainer {
				return true
			}
		}
	}
	return false
}

func printSummary(result *engine.RunResult) {
	fmt.Printf("\nrun %s: %s (%s)\n", result.RunID, result.Status, result.Duration.Round(time.Millisecond))

	jobs := make([]string, 0, len(result.Jobs))
	for job := range result.Jobs {
		jobs = append(jobs, job)
	}
	sort.Strings(jobs)
	for _, job := range jobs {
		fmt.Printf("  %-24s %s\n", job, result.Jobs[job])
	}
}

package executor

import (
	"log/slog"
	"sync"

	"github.com/kilnci/kiln/pkg/schema"
)

// Executor kinds accepted in a job spec.
const (
	KindLocal     = "local"
	KindContainer = "container"
)

// Factory resolves a job's executor spec to a backend instance. The local
// backend is a run-wide singleton; container backends are cached by
// (image, alias) so jobs with the same key share one instance.
type Factory struct {
	local  *Local
	pool   *Pool
	cfg    LocalConfig
	logger *slog.Logger

	mu         sync.Mutex
	containers map[string]*Container
}

// NewFactory creates an executor factory. pool may be nil when no container
// runtime is available; container jobs then fail to resolve.
func NewFactory(cfg LocalConfig, pool *Pool, logger *slog.Logger) *Factory {
	return &Factory{
		local:      NewLocal(cfg, logger),
		pool:       pool,
		cfg:        cfg,
		logger:     logger,
		containers: make(map[string]*Container),
	}
}

// Local returns the run's host backend.
func (f *Factory) Local() *Local {
	return f.local
}

// ForJob returns the backend for a job's executor spec.
func (f *Factory) ForJob(spec schema.ExecutorSpec) (Executor, error) {
	switch spec.Kind {
	case "", KindLocal:
		return f.local, nil
	case KindContainer:
		if f.pool == nil {
			return nil, schema.NewError(schema.ErrCodeExecutor, "container executor requested but no container runtime is configured")
		}
		if spec.Image == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "container executor requires an image")
		}
		return f.container(spec), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown executor kind %q", spec.Kind)
	}
}

func (f *Factory) container(spec schema.ExecutorSpec) *Container {
	alias := spec.Alias
	if alias == "" {
		alias = spec.Image
	}
	key := spec.Image + "|" + alias

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[key]; ok {
		return c
	}
	c := NewContainer(f.pool, ContainerConfig{
		RunID:         f.cfg.RunID,
		Image:         spec.Image,
		Alias:         alias,
		KeepWorkspace: f.cfg.KeepWorkspace,
	}, f.logger)
	f.containers[key] = c
	return c
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/identity/internal/config"
	"github.com/andresmejia3/identity/internal/matcher"
	"github.com/andresmejia3/identity/internal/pool"
	"github.com/andresmejia3/identity/internal/scheduler"
	"github.com/andresmejia3/identity/internal/store"
	"github.com/andresmejia3/identity/internal/templates"
	"github.com/andresmejia3/identity/internal/types"
	"github.com/andresmejia3/identity/internal/utils"
	"github.com/andresmejia3/identity/internal/worker"
	"github.com/rs/zerolog"
)

var (
	// ErrUnresolvedBackend is returned by New when the configured backend is unknown.
	ErrUnresolvedBackend = errors.New("unresolved worker backend")
	// ErrDimension is returned when a feature does not have the enrolled dimension.
	ErrDimension = errors.New("feature dimension mismatch")
)

// persistTimeout bounds write-through calls that run outside a caller context.
const persistTimeout = 10 * time.Second

// Options wires an Engine to its collaborators. Only Config is required.
type Options struct {
	Config config.Config
	Logger zerolog.Logger

	// Persister, when set, is loaded at startup and written through on every change.
	Persister store.Persister
	// Matcher overrides the cosine matcher used by the thread backend.
	Matcher matcher.Matcher
	// Factory overrides backend resolution entirely.
	Factory worker.Factory

	OnStatus    func(status string, priority int)
	OnReset     func()
	OnChunkDone func(requestID string, completed, total int)
}

// Engine is the identification façade: template management, identification
// and the command registry that transports dispatch into.
type Engine struct {
	cfg       config.Config
	templates *templates.Store
	pool      *pool.Pool
	sched     *scheduler.Scheduler
	persist   store.Persister
	commands  *Registry
	log       zerolog.Logger

	onStatus  func(string, int)
	onReset   func()
	resetOnce sync.Once
}

// New resolves the worker backend, loads persisted templates and registers
// the commands for the configured mode.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) && verr.Field == "backend" {
			return nil, fmt.Errorf("%w: %q", ErrUnresolvedBackend, cfg.Backend)
		}
		return nil, err
	}
	log := opts.Logger.With().Str("component", "engine").Logger()

	factory := opts.Factory
	if factory == nil {
		var err error
		if factory, err = resolveBackend(cfg, opts.Matcher); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cfg:       cfg,
		templates: templates.New(func(t types.Template) types.Template { return utils.L2Normalize(t) }),
		persist:   opts.Persister,
		log:       log,
		onStatus:  opts.OnStatus,
		onReset:   opts.OnReset,
	}
	e.pool = pool.New(factory, pool.Config{MaxWorkers: cfg.MaxWorkers}, opts.Logger)
	e.sched = scheduler.New(e.templates, e.pool, scheduler.Config{
		MaxWorks:      cfg.MaxWorks,
		MaxWorkers:    cfg.MaxWorkers,
		KeepWorkers:   cfg.Keep,
		HasConfidence: cfg.Confidence,
		ChunkTimeout:  cfg.ChunkTimeout,
	}, opts.Logger, scheduler.WithHooks(scheduler.Hooks{
		OnChunkDone:  opts.OnChunkDone,
		OnCorrection: e.persistCorrection,
	}))

	if e.persist != nil {
		records, err := e.persist.Load(ctx)
		if err != nil {
			e.pool.Close()
			return nil, fmt.Errorf("failed to load templates: %w", err)
		}
		for _, r := range records {
			e.templates.Add(r.ID, r.Template)
		}
		log.Info().Int("templates", len(records)).Msg("loaded persisted templates")
	}

	e.commands = newRegistry(cfg.Prefix, log)
	e.registerCommands(cfg.Mode)
	log.Info().
		Str("backend", cfg.Backend).
		Int("max_worker", cfg.MaxWorkers).
		Int("max_works", cfg.MaxWorks).
		Bool("confidence", cfg.Confidence).
		Str("mode", cfg.Mode).
		Msg("engine ready")
	return e, nil
}

func resolveBackend(cfg config.Config, m matcher.Matcher) (worker.Factory, error) {
	switch cfg.Backend {
	case config.BackendThread:
		if m == nil {
			m = matcher.Cosine{Threshold: cfg.Threshold}
		}
		return worker.LocalFactory(m), nil
	case config.BackendProcess:
		args := cfg.Worker.Args
		if len(args) == 0 {
			args = []string{"worker", "--threshold", strconv.FormatFloat(cfg.Threshold, 'g', -1, 64)}
		}
		return worker.ProcessFactory(worker.ProcessConfig{
			Path:        cfg.Worker.Path,
			Args:        args,
			ExitTimeout: cfg.Worker.ExitTimeout,
		}), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnresolvedBackend, cfg.Backend)
}

// Commands returns the registry transports dispatch into.
func (e *Engine) Commands() *Registry { return e.commands }

// Dispatch runs a registered command; see Registry.Dispatch.
func (e *Engine) Dispatch(ctx context.Context, name string, payload []byte) (Response, bool) {
	return e.commands.Dispatch(ctx, name, payload)
}

// Enroll adds a template under id. It returns false when id already exists.
func (e *Engine) Enroll(ctx context.Context, id string, feature types.Template) (bool, error) {
	if id == "" || len(feature) == 0 {
		return false, nil
	}
	if err := e.checkDim(feature); err != nil {
		return false, err
	}
	if !e.templates.Add(id, feature) {
		return false, nil
	}
	if e.persist != nil {
		stored, _ := e.templates.Get(id)
		if err := e.persist.Save(ctx, id, stored); err != nil {
			e.templates.Remove(id)
			return false, fmt.Errorf("failed to persist template %s: %w", id, err)
		}
	}
	return true, nil
}

// Remove deletes id. It returns false when id was not enrolled.
func (e *Engine) Remove(ctx context.Context, id string) (bool, error) {
	if !e.templates.Remove(id) {
		return false, nil
	}
	if e.persist != nil {
		if err := e.persist.Delete(ctx, id); err != nil {
			return true, fmt.Errorf("failed to delete template %s: %w", id, err)
		}
	}
	return true, nil
}

// Has reports whether id is enrolled.
func (e *Engine) Has(id string) bool { return e.templates.Has(id) }

// Count returns the number of enrolled templates.
func (e *Engine) Count() int { return e.templates.Count() }

// Clear drops every template.
func (e *Engine) Clear(ctx context.Context) error {
	e.templates.Clear()
	if e.persist != nil {
		if err := e.persist.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear templates: %w", err)
		}
	}
	return nil
}

// Identify searches every enrolled template for probe. A nil Matched in the
// result means no match; it is not an error.
func (e *Engine) Identify(ctx context.Context, ref string, probe types.Template) (*types.Result, error) {
	if err := e.checkDim(probe); err != nil {
		return nil, err
	}
	return e.sched.Identify(ctx, ref, probe)
}

func (e *Engine) checkDim(feature types.Template) error {
	if len(feature) == 0 {
		return fmt.Errorf("%w: empty feature", ErrDimension)
	}
	if dim := e.templates.Dim(); dim > 0 && len(feature) != dim {
		return fmt.Errorf("%w: got %d, enrolled %d", ErrDimension, len(feature), dim)
	}
	return nil
}

// SetStatus forwards an out-of-band status to the OnStatus callback.
func (e *Engine) SetStatus(status string, priority int) {
	e.log.Debug().Str("status", status).Int("priority", priority).Msg("status")
	if e.onStatus != nil {
		e.onStatus(status, priority)
	}
}

// Reset runs the OnReset callback. Later calls do nothing.
func (e *Engine) Reset() {
	e.resetOnce.Do(func() {
		e.log.Info().Msg("reset requested")
		if e.onReset != nil {
			e.onReset()
		}
	})
}

// PoolSize returns the live and attached worker counts.
func (e *Engine) PoolSize() (live, busy int) {
	return e.pool.Size(), e.pool.Busy()
}

// Close shuts the worker pool down. The Persister is owned by the caller.
func (e *Engine) Close() error {
	return e.pool.Close()
}

func (e *Engine) persistCorrection(id string, data types.Template) {
	if e.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	var err error
	if data == nil {
		err = e.persist.Delete(ctx, id)
	} else {
		err = e.persist.Save(ctx, id, data)
	}
	if err != nil {
		e.log.Error().Err(err).Str("template", id).Msg("failed to persist correction")
	}
}

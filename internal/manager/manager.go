// Package manager owns the single active strategy instance: create, start,
// monitor, stop. It never touches the exchange or the tracker directly.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"auto_trader/internal/config"
	"auto_trader/internal/core"
	"auto_trader/internal/engine"
	"auto_trader/internal/engine/grid"
	"auto_trader/internal/engine/scalping"
	apperrors "auto_trader/pkg/errors"

	"github.com/google/uuid"
)

// stopTimeout bounds how long a stop request may block the caller. The
// engines carry their own drain watchdog; this is the outer guard.
const stopTimeout = 15 * time.Second

// ServiceBuilder constructs the venue capability trio for a config.
// Implemented by exchange.Factory.
type ServiceBuilder interface {
	Services(cfg *config.StrategyConfig) (*core.TradingServices, core.HoldModeDetector, error)
}

// ConfigSaver persists the active config row. Implemented by storage.Worker.
type ConfigSaver interface {
	SaveActiveConfig(configJSON []byte)
}

// Manager is the process-wide strategy registry.
type Manager struct {
	mu sync.Mutex

	builder ServiceBuilder
	specs   core.SpecSource
	persist core.Persistence
	saver   ConfigSaver // nil disables config snapshots
	logger  core.ILogger
	sink    core.EventSink

	active    engine.Strategy
	activeCfg *config.StrategyConfig
	starting  bool // slot reserved while a CreateAndStart is in flight
}

type Deps struct {
	Builder ServiceBuilder
	Specs   core.SpecSource
	Persist core.Persistence
	Saver   ConfigSaver
	Logger  core.ILogger
	Sink    core.EventSink
}

func New(deps Deps) *Manager {
	return &Manager{
		builder: deps.Builder,
		specs:   deps.Specs,
		persist: deps.Persist,
		saver:   deps.Saver,
		logger:  deps.Logger.WithField("component", "strategy_manager"),
		sink:    deps.Sink,
	}
}

// CreateAndStart builds a config from defaults plus overrides, constructs the
// engine variant and starts it. Fails while an instance is starting or
// running.
func (m *Manager) CreateAndStart(ctx context.Context, kind core.StrategyKind, overrides map[string]interface{}) error {
	// Reserve the slot before building so two concurrent calls cannot both
	// pass the status check and start detached engines.
	m.mu.Lock()
	if m.starting {
		m.mu.Unlock()
		return fmt.Errorf("%w: instance start in progress", apperrors.ErrAlreadyRunning)
	}
	if m.active != nil {
		status := m.active.State().Status
		if status == core.EngineStarting || status == core.EngineRunning {
			m.mu.Unlock()
			return fmt.Errorf("%w: active instance is %s", apperrors.ErrAlreadyRunning, status)
		}
	}
	m.starting = true
	m.mu.Unlock()

	committed := false
	defer func() {
		if !committed {
			m.mu.Lock()
			m.starting = false
			m.mu.Unlock()
		}
	}()

	cfg, err := config.NewStrategyConfig(kind, overrides)
	if err != nil {
		return err
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	services, detector, err := m.builder.Services(cfg)
	if err != nil {
		return err
	}

	var eng engine.Strategy
	switch kind {
	case core.StrategyScalping:
		eng = scalping.New(cfg, scalping.Deps{
			Services: services,
			Specs:    m.specs,
			Persist:  m.persist,
			Detector: detector,
			Logger:   m.logger,
			Sink:     m.sink,
		})
	case core.StrategyGrid:
		eng = grid.New(cfg, grid.Deps{
			Services: services,
			Specs:    m.specs,
			Persist:  m.persist,
			Detector: detector,
			Logger:   m.logger,
			Sink:     m.sink,
		})
	default:
		return fmt.Errorf("%w: unknown strategy type %q", apperrors.ErrConfigInvalid, kind)
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.active = eng
	m.activeCfg = cfg
	m.starting = false
	m.mu.Unlock()
	committed = true

	m.saveConfig(cfg)
	m.logger.Info("Strategy instance started",
		"instanceId", cfg.InstanceID, "strategyType", kind, "symbol", cfg.Symbol)
	return nil
}

// StopActive stops the active instance, bounded by the stop timeout. No-op
// when nothing is active.
func (m *Manager) StopActive(ctx context.Context) error {
	eng := m.activeEngine()
	if eng == nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- eng.Stop(stopCtx) }()

	select {
	case err := <-done:
		if err != nil && err != apperrors.ErrNotRunning {
			return err
		}
		return nil
	case <-stopCtx.Done():
		m.logger.Error("Stop did not complete before timeout; instance detached")
		return fmt.Errorf("stopping strategy: %w", stopCtx.Err())
	}
}

// EmergencyStopActive cancels all venue-side pendings and halts. Works from
// any state, including ERROR. No-op when nothing is active.
func (m *Manager) EmergencyStopActive(ctx context.Context) error {
	eng := m.activeEngine()
	if eng == nil {
		return nil
	}
	return eng.EmergencyStop(ctx)
}

// UpdateActiveConfig applies a partial update to the running instance and
// snapshots the result.
func (m *Manager) UpdateActiveConfig(partial map[string]interface{}) error {
	m.mu.Lock()
	eng := m.active
	cfg := m.activeCfg
	m.mu.Unlock()

	if eng == nil {
		return apperrors.ErrNotRunning
	}
	if err := eng.UpdateConfig(partial); err != nil {
		return err
	}

	// The engine already validated; mirror the update on the manager's copy.
	next, err := cfg.Update(partial)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.activeCfg = next
	m.mu.Unlock()
	m.saveConfig(next)
	return nil
}

// GetState returns the active instance's state, or a canonical STOPPED state
// when nothing has ever started.
func (m *Manager) GetState() core.StrategyState {
	eng := m.activeEngine()
	if eng == nil {
		return core.StrategyState{Status: core.EngineStopped}
	}
	return eng.State()
}

// Events returns the active instance's newest events up to limit.
func (m *Manager) Events(limit int) []core.StrategyEvent {
	eng := m.activeEngine()
	if eng == nil {
		return nil
	}
	return eng.Events(limit)
}

// ActiveConfig returns the manager's config snapshot, nil when none.
func (m *Manager) ActiveConfig() *config.StrategyConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCfg
}

func (m *Manager) activeEngine() engine.Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) saveConfig(cfg *config.StrategyConfig) {
	if m.saver == nil {
		return
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		m.logger.Warn("Marshalling active config failed", "error", err)
		return
	}
	m.saver.SaveActiveConfig(data)
}

package app

import (
	"context"
	"sync"
	"time"
)

// ConfigApplier pushes a runtime configuration into the engine.
type ConfigApplier interface {
	ApplyConfig(ctx context.Context, cfg RuntimeConfig) error
}

// RuntimeSettingsManager owns the current runtime configuration, applies
// changes to the engine and persists them to the config file.
type RuntimeSettingsManager struct {
	applier ConfigApplier
	path    string
	timeout time.Duration

	mu      sync.RWMutex
	current RuntimeConfig
}

func NewRuntimeSettingsManager(applier ConfigApplier, path string, initial RuntimeConfig) *RuntimeSettingsManager {
	return &RuntimeSettingsManager{
		applier: applier,
		path:    path,
		timeout: 5 * time.Second,
		current: initial,
	}
}

func (m *RuntimeSettingsManager) Get() RuntimeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Apply hands cfg to the engine without persisting it. Used for the initial
// load and for file-watch reloads.
func (m *RuntimeSettingsManager) Apply(ctx context.Context, cfg RuntimeConfig) error {
	if err := m.applier.ApplyConfig(ctx, cfg); err != nil {
		return err
	}
	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()
	return nil
}

// Update applies cfg and writes it to the config file. When the write fails
// the previous configuration is applied again.
func (m *RuntimeSettingsManager) Update(ctx context.Context, cfg RuntimeConfig) error {
	prev := m.Get()
	if err := m.Apply(ctx, cfg); err != nil {
		return err
	}
	if m.path == "" {
		return nil
	}

	if err := SaveRuntimeConfig(m.path, cfg); err != nil {
		rollbackCtx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		_ = m.Apply(rollbackCtx, prev)
		return err
	}
	return nil
}

package platform

import (
	"context"
	"fmt"
	"log/slog"
)

// Registry holds the adapters wired in at boot. It is built explicitly in
// main: Register every configured adapter, call Seal, then share it. After
// Seal the registry is immutable and lookups are lock-free; Register and
// Seal must not race with Get.
type Registry struct {
	logger   *slog.Logger
	adapters map[Platform]Adapter
	order    []Platform
	sealed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		adapters: make(map[Platform]Adapter),
	}
}

// Register adds an adapter. It fails on a duplicate platform or after Seal.
func (r *Registry) Register(a Adapter) error {
	if r.sealed {
		return ErrRegistrySealed
	}
	p := a.Platform()
	if _, exists := r.adapters[p]; exists {
		return fmt.Errorf("adapter already registered for platform %q", p)
	}
	r.adapters[p] = a
	r.order = append(r.order, p)

	r.logger.Info("Platform adapter registered",
		slog.String("platform", p.String()),
	)
	return nil
}

// Seal freezes the registry. Further Register calls fail.
func (r *Registry) Seal() {
	r.sealed = true
}

// Get returns the adapter for p, or an error wrapping
// ErrAdapterNotConfigured naming the platform.
func (r *Registry) Get(p Platform) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotConfigured, p)
	}
	return a, nil
}

// Platforms lists the registered platforms in registration order.
func (r *Registry) Platforms() []Platform {
	out := make([]Platform, len(r.order))
	copy(out, r.order)
	return out
}

// InitializeAll initializes every adapter in registration order. If one
// fails, the already-initialized adapters are shut down before returning,
// so a partial boot never leaks connections.
func (r *Registry) InitializeAll(ctx context.Context) error {
	var initialized []Adapter

	for _, p := range r.order {
		a := r.adapters[p]
		if err := a.Initialize(ctx); err != nil {
			for i := len(initialized) - 1; i >= 0; i-- {
				if shutdownErr := initialized[i].Shutdown(ctx); shutdownErr != nil {
					r.logger.Error("Failed to release adapter after init failure",
						slog.String("platform", initialized[i].Platform().String()),
						slog.String("error", shutdownErr.Error()),
					)
				}
			}
			return fmt.Errorf("initialize %s adapter: %w", p, err)
		}
		initialized = append(initialized, a)

		r.logger.Info("Platform adapter initialized",
			slog.String("platform", p.String()),
		)
	}

	return nil
}

// ShutdownAll releases every adapter in reverse registration order,
// collecting the first error but attempting all of them.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	var firstErr error
	for i := len(r.order) - 1; i >= 0; i-- {
		p := r.order[i]
		if err := r.adapters[p].Shutdown(ctx); err != nil {
			r.logger.Error("Failed to shut down adapter",
				slog.String("platform", p.String()),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown %s adapter: %w", p, err)
			}
		}
	}
	return firstErr
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowrun/pkg/eventbus"
	"github.com/dukex/flowrun/pkg/otelhelper"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/dukex/flowrun/pkg/registry"
	"github.com/dukex/flowrun/pkg/workflow"
)

// StackConfig selects the backends of an engine process.
type StackConfig struct {
	ServiceName  string
	DatabaseURL  string
	EventBus     string
	KafkaBrokers string
	Coordinator  string
	RedisURL     string
	PluginsPath  string
	Tracing      bool
	Engine       workflow.Config
}

// Stack is a workflow engine wired to its persistence, coordinator, event
// bus and tracer.
type Stack struct {
	Engine      *workflow.Engine
	Registry    *registry.Registry
	Persistence persistence.Persistence
	EventBus    eventbus.EventBus

	closers []func(context.Context) error
}

// NewStack builds the engine described by config and restores the workflows
// found in its persistence.
func NewStack(ctx context.Context, logger *slog.Logger, config StackConfig) (*Stack, error) {
	stack := &Stack{}

	fail := func(err error) (*Stack, error) {
		_ = stack.Close(ctx)

		return nil, err
	}

	reg, err := NewRegistry(logger, config.PluginsPath)
	if err != nil {
		return fail(fmt.Errorf("failed to load task plugins: %w", err))
	}

	stack.Registry = reg

	store, err := NewPersistence(ctx, logger, config.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("failed to open persistence: %w", err))
	}

	stack.Persistence = store
	stack.closers = append(stack.closers, store.Close)

	coord, closeCoordinator, err := NewCoordinator(config.Coordinator, config.RedisURL, reg, logger)
	if err != nil {
		return fail(err)
	}

	stack.closers = append(stack.closers, func(context.Context) error { return closeCoordinator() })

	engineConfig := config.Engine
	if engineConfig == (workflow.Config{}) {
		engineConfig = workflow.DefaultConfig()
	}

	opts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithPersistence(store),
		workflow.WithConfig(engineConfig),
	}

	if config.Tracing {
		tracer, shutdown, err := otelhelper.NewTracer(ctx, config.ServiceName)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize tracer: %w", err))
		}

		opts = append(opts, workflow.WithTracer(tracer))
		stack.closers = append(stack.closers, shutdown)
	}

	stack.Engine = workflow.NewEngine(coord, opts...)

	if config.EventBus != "" && config.EventBus != "none" {
		bus, err := NewEventBus(config.EventBus, config.KafkaBrokers, logger)
		if err != nil {
			return fail(err)
		}

		stack.EventBus = bus
		stack.closers = append(stack.closers, func(context.Context) error { return bus.Close() })
		stack.Engine.Subscribe(eventbus.Forward(bus))
	}

	restored, err := stack.Engine.Restore(ctx)
	if err != nil {
		return fail(err)
	}

	logger.InfoContext(ctx, "Engine ready",
		"coordinator", config.Coordinator, "event_bus", config.EventBus, "restored_workflows", restored)

	return stack, nil
}

// Close waits for background runs and releases every backend, newest first.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error

	if s.Engine != nil {
		if err := s.Engine.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.closers = nil

	return errors.Join(errs...)
}

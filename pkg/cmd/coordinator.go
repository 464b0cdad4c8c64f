package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/flowrun/pkg/coordinator"
	"github.com/dukex/flowrun/pkg/coordinator/local"
	"github.com/dukex/flowrun/pkg/coordinator/redisqueue"
	"github.com/dukex/flowrun/pkg/registry"
)

// NewCoordinator creates the task coordinator of the given kind. The local
// coordinator runs tasks in-process with the handlers of reg; the redis
// coordinator queues them for flowrun-worker processes.
//
// nolint:ireturn
func NewCoordinator(kind, redisURL string, reg *registry.Registry, logger *slog.Logger) (coordinator.Coordinator, func() error, error) {
	switch kind {
	case "", "local":
		c := local.New(reg, logger)

		return c, c.Close, nil
	case "redis":
		client, err := NewRedisClient(redisURL)
		if err != nil {
			return nil, nil, err
		}

		return redisqueue.NewCoordinator(client, redisqueue.DefaultPrefix), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported coordinator: %s", kind)
	}
}

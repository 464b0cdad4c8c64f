// Package registry keeps the task handlers available to task coordinators.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"sort"
	"sync"

	"github.com/dukex/flowrun/pkg/protocol"
)

var ErrTaskTypeNotRegistered = errors.New("task type not registered")

// TaskDescriptor describes a registered task type.
type TaskDescriptor struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

type Registry struct {
	logger        *slog.Logger
	mu            sync.RWMutex
	taskFactories map[string]protocol.TaskFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:        log.With("module", "registry"),
		taskFactories: make(map[string]protocol.TaskFactory),
	}
}

// LoadTaskPlugins opens every *.so below pluginsPath/tasks and looks up its
// exported Task symbol.
func (r *Registry) LoadTaskPlugins(pluginsPath string) ([]protocol.TaskFactory, error) {
	return loadPlugin[protocol.TaskFactory](r.logger, pluginsPath, "Task")
}

func (r *Registry) RegisterTask(factory protocol.TaskFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.taskFactories[factory.ID()] = factory
}

func (r *Registry) HasTask(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.taskFactories[taskType]

	return ok
}

func (r *Registry) CreateTask(ctx context.Context, taskType string, config map[string]any) (protocol.Task, error) {
	r.mu.RLock()
	factory, ok := r.taskFactories[taskType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("task type '%s': %w", taskType, ErrTaskTypeNotRegistered)
	}

	if config == nil {
		config = map[string]any{}
	}

	return factory.Create(ctx, config)
}

// TaskTypes lists the registered task types sorted by id.
func (r *Registry) TaskTypes() []TaskDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]TaskDescriptor, 0, len(r.taskFactories))
	for _, f := range r.taskFactories {
		descriptors = append(descriptors, TaskDescriptor{
			ID:          f.ID(),
			Name:        f.Name(),
			Description: f.Description(),
			Schema:      f.Schema(),
		})
	}

	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].ID < descriptors[j].ID
	})

	return descriptors
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := filepath.Join(pluginsPath, "tasks")
	if _, err := os.Stat(rootPath); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	pluginPathList, err := fs.Glob(os.DirFS(rootPath), "*/*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", pluginsPath), slog.String("type", symbolName))
	l.Info("Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))
	for _, p := range pluginPathList {
		plg, err := plugin.Open(filepath.Join(rootPath, p))
		if err != nil {
			return nil, fmt.Errorf("open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("lookup %s in %s: %w", symbolName, p, err)
		}

		castV, ok := v.(T)
		if !ok {
			return nil, fmt.Errorf("plugin %s: symbol %s has unexpected type %T", p, symbolName, v)
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded task plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}

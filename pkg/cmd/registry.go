// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/dukex/flowrun/pkg/registry"
	"github.com/dukex/flowrun/pkg/tasks/httprequest"
	logtask "github.com/dukex/flowrun/pkg/tasks/log"
	"github.com/dukex/flowrun/pkg/tasks/noop"
	"github.com/dukex/flowrun/pkg/tasks/transform"
)

func registerTaskPlugins(reg *registry.Registry, pluginsPath string) error {
	if pluginsPath == "" {
		return nil
	}

	taskPlugins, err := reg.LoadTaskPlugins(pluginsPath)
	if err != nil {
		return err
	}

	for _, plugin := range taskPlugins {
		reg.RegisterTask(plugin)
	}

	return nil
}

func registerNativeTasks(reg *registry.Registry) {
	reg.RegisterTask(httprequest.NewTaskFactory())
	reg.RegisterTask(transform.NewTaskFactory())
	reg.RegisterTask(logtask.NewTaskFactory())
	reg.RegisterTask(noop.NewTaskFactory())
}

// NewRegistry returns a registry with the built-in task handlers and any
// plugins found below pluginsPath. Built-in handlers win over plugins with
// the same id.
func NewRegistry(logger *slog.Logger, pluginsPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)

	if err := registerTaskPlugins(reg, pluginsPath); err != nil {
		return nil, err
	}

	registerNativeTasks(reg)

	return reg, nil
}

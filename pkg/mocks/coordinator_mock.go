package mocks

import (
	"context"

	"github.com/dukex/flowrun/pkg/coordinator"
	"github.com/stretchr/testify/mock"
)

// MockCoordinator is a mock implementation of coordinator.Coordinator interface.
type MockCoordinator struct {
	mock.Mock
}

func (m *MockCoordinator) SubmitTask(
	ctx context.Context,
	taskType string,
	configuration map[string]any,
	correlation coordinator.Correlation,
) (coordinator.TaskHandle, error) {
	args := m.Called(ctx, taskType, configuration, correlation)

	return args.Get(0).(coordinator.TaskHandle), args.Error(1)
}

func (m *MockCoordinator) TaskStatus(ctx context.Context, handle coordinator.TaskHandle) (coordinator.TaskStatus, error) {
	args := m.Called(ctx, handle)

	return args.Get(0).(coordinator.TaskStatus), args.Error(1)
}

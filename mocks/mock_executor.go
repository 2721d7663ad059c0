package mocks

import (
	"context"
	"fmt"

	"github.com/patchverify/patchverify/pkg/sandbox"
	"github.com/stretchr/testify/mock"
)

// Mock for sandbox.Executor.
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Run(ctx context.Context, proc sandbox.Procedure, install sandbox.InstallHandle, limits sandbox.Limits) (sandbox.Result, error) {
	args := m.Called(ctx, proc, install, limits)

	result, ok := args.Get(0).(sandbox.Result)
	if !ok {
		return sandbox.Result{}, fmt.Errorf("type assertion to sandbox.Result failed")
	}

	return result, args.Error(1)
}

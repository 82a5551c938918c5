package engine

import (
	"context"
	"encoding/json"
	"sync"
)

// FakeClient is an in-memory Client used by harness tests and any
// integration test that should not depend on a real engine process.
type FakeClient struct {
	mu          sync.Mutex
	Initialized bool
	ShutdownN   int
	RunLoopFn   func(n int, data json.RawMessage) (json.RawMessage, error)
	InitErr     error
}

func (f *FakeClient) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InitErr != nil {
		return f.InitErr
	}
	f.Initialized = true
	return nil
}

func (f *FakeClient) RunLoop(ctx context.Context, n int, data json.RawMessage) (json.RawMessage, error) {
	if f.RunLoopFn != nil {
		return f.RunLoopFn(n, data)
	}
	return nil, nil
}

func (f *FakeClient) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ShutdownN++
	return nil
}

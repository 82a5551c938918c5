// Package engine realizes the opaque simulation-engine collaborator
// (§6): constructor (address, config_file, args); initialize(); run_loop;
// shutdown(). The wire protocol itself is none of this controller's
// concern — spec.md treats the engine client as opaque — so this package
// provides a minimal, real gRPC-backed dial path (google.golang.org/grpc)
// plus an in-memory fake used by the harness's own tests and by any
// integration test that does not want to stand up a real engine process.
package engine

import (
	"context"
	"encoding/json"
)

// Client is the minimum interface the script harness consumes.
type Client interface {
	Initialize(ctx context.Context) error
	RunLoop(ctx context.Context, n int, data json.RawMessage) (json.RawMessage, error)
	Shutdown(ctx context.Context) error
}

package worker

import (
	"context"
	"encoding/json"

	"github.com/buddhike/flotilla/gateway"
	"go.uber.org/zap"
)

// Setup is everything an app gets when it is constructed. Client is nil
// for services.
type Setup struct {
	Client      gateway.Client
	IPC         *IPC
	ClusterID   int
	ServiceName string
	WorkerID    int
	Logger      *zap.Logger
}

// Factory constructs the user code of a cluster or service. A non-nil
// error is fatal for the worker process.
type Factory func(s *Setup) (any, error)

// Apps opt into each capability below by implementing it.

type CommandHandler interface {
	HandleCommand(ctx context.Context, msg json.RawMessage) (any, error)
}

type Evaluator interface {
	RunEval(ctx context.Context, source string) (any, error)
}

// Shutdowner must call done once it has released its resources.
type Shutdowner interface {
	Shutdown(done func())
}

// Readier lets a service delay its connected signal until it has finished
// starting. The channel yields nil on success.
type Readier interface {
	Ready() <-chan error
}

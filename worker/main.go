package worker

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

const (
	EnvKind = "FLOTILLA_WORKER_KIND"
	EnvID   = "FLOTILLA_WORKER_ID"

	// Spawned workers read from ChannelInFD and write to ChannelOutFD.
	ChannelInFD  = 3
	ChannelOutFD = 4
)

// IsWorkerProcess reports whether this process was spawned by an
// orchestrator.
func IsWorkerProcess() bool {
	return os.Getenv(EnvKind) != ""
}

// Main runs the runtime selected by the environment and returns once the
// orchestrator closes the channel.
func Main(opts ...func(*Config)) error {
	kind := Kind(os.Getenv(EnvKind))
	id, err := strconv.Atoi(os.Getenv(EnvID))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", EnvID, err)
	}
	in := os.NewFile(ChannelInFD, "flotilla-in")
	out := os.NewFile(ChannelOutFD, "flotilla-out")
	if in == nil || out == nil {
		return errors.New("worker channel descriptors are not open")
	}
	defer in.Close()
	defer out.Close()

	opts = append([]func(*Config){WithWorkerID(id)}, opts...)
	switch kind {
	case KindCluster:
		return NewCluster(in, out, opts...).Run()
	case KindService:
		return NewService(in, out, opts...).Run()
	}
	return fmt.Errorf("unknown worker kind %q", kind)
}

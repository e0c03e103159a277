package messages

// State is the lifecycle state of one worker process incarnation.
type State int32

const (
	StateSpawned State = iota
	StateLaunched
	StateConnected
	StateCodeLoaded
	StateReady
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateLaunched:
		return "launched"
	case StateConnected:
		return "connected"
	case StateCodeLoaded:
		return "codeLoaded"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Advance moves forward to next. Transitions never go backwards; a crash
// produces a new incarnation instead.
func (s *State) Advance(next State) bool {
	if next <= *s {
		return false
	}
	*s = next
	return true
}

// ShardStatus is the orchestrator's view of one shard.
type ShardStatus int32

const (
	ShardIdle ShardStatus = iota
	ShardConnecting
	ShardConnected
	ShardIsReady
	ShardDisconnected
)

func (ss ShardStatus) String() string {
	switch ss {
	case ShardIdle:
		return "idle"
	case ShardConnecting:
		return "connecting"
	case ShardConnected:
		return "connected"
	case ShardIsReady:
		return "ready"
	case ShardDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// StatusFromUpdate maps a shardUpdate type to the status it implies.
func StatusFromUpdate(updateType string) ShardStatus {
	switch updateType {
	case ShardConnect:
		return ShardConnected
	case ShardReady:
		return ShardIsReady
	case ShardResume:
		return ShardIsReady
	case ShardDisconnect:
		return ShardDisconnected
	default:
		return ShardIdle
	}
}

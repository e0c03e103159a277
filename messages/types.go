package messages

import "encoding/json"

type Op string

const (
	OpLaunched           Op = "launched"
	OpConnect            Op = "connect"
	OpConnected          Op = "connected"
	OpCodeLoaded         Op = "codeLoaded"
	OpLoadCode           Op = "loadCode"
	OpFetchUser          Op = "fetchUser"
	OpFetchChannel       Op = "fetchChannel"
	OpFetchGuild         Op = "fetchGuild"
	OpFetchMember        Op = "fetchMember"
	OpCommand            Op = "command"
	OpEval               Op = "eval"
	OpReturn             Op = "return"
	OpCollectStats       Op = "collectStats"
	OpGetStats           Op = "getStats"
	OpShutdown           Op = "shutdown"
	OpShardUpdate        Op = "shardUpdate"
	OpReshard            Op = "reshard"
	OpCentralAPIRequest  Op = "centralApiRequest"
	OpCentralAPIResponse Op = "centralApiResponse"
	OpError              Op = "error"
	OpLog                Op = "log"
	OpDebug              Op = "debug"
	OpWarn               Op = "warn"
	OpInfo               Op = "info"
)

// IsFetch reports whether op is one of the entity lookup ops.
func (op Op) IsFetch() bool {
	switch op {
	case OpFetchUser, OpFetchChannel, OpFetchGuild, OpFetchMember:
		return true
	}
	return false
}

// IsDiagnostic reports whether op carries a log line.
func (op Op) IsDiagnostic() bool {
	switch op {
	case OpError, OpLog, OpDebug, OpWarn, OpInfo:
		return true
	}
	return false
}

// Message is the single envelope exchanged on a process channel. Only the
// fields relevant to Op are populated.
type Message struct {
	Op    Op               `json:"op"`
	ID    string           `json:"id,omitempty"`
	UUID  string           `json:"UUID,omitempty"`
	Value json.RawMessage  `json:"value,omitempty"`
	Error *SerializedError `json:"error,omitempty"`

	Cluster *ClusterAssignment `json:"cluster,omitempty"`
	Service *ServiceAssignment `json:"service,omitempty"`

	Target     *Target         `json:"target,omitempty"`
	Command    *CommandRequest `json:"command,omitempty"`
	Request    *EvalRequest    `json:"request,omitempty"`
	APIRequest *CentralRequest `json:"apiRequest,omitempty"`
	Reshard    *ReshardRequest `json:"reshard,omitempty"`
	Stats      json.RawMessage `json:"stats,omitempty"`

	*ShardUpdate
	*LogLine
}

type TargetKind string

const (
	TargetCluster TargetKind = "cluster"
	TargetService TargetKind = "service"
)

// Target addresses a relayed command or eval.
type Target struct {
	Kind        TargetKind `json:"kind"`
	ClusterID   int        `json:"clusterID,omitempty"`
	ServiceName string     `json:"serviceName,omitempty"`
}

type CommandRequest struct {
	UUID      string          `json:"UUID"`
	Receptive bool            `json:"receptive"`
	Msg       json.RawMessage `json:"msg,omitempty"`
}

type EvalRequest struct {
	UUID             string `json:"UUID"`
	Receptive        bool   `json:"receptive"`
	StringToEvaluate string `json:"stringToEvaluate"`
}

type CentralRequest struct {
	UUID           string   `json:"UUID"`
	DataSerialized string   `json:"dataSerialized"`
	FileStrings    []string `json:"fileStrings,omitempty"`
}

// CentralResult is the value of a centralApiResponse. ValueSerialized holds
// the REST result when Resolved, otherwise a CentralFailure.
type CentralResult struct {
	Resolved        bool   `json:"resolved"`
	ValueSerialized string `json:"valueSerialized"`
}

type CentralFailure struct {
	ConvertedErrorObject bool            `json:"convertedErrorObject"`
	Error                json.RawMessage `json:"error"`
}

type ReshardRequest struct {
	ShardCount   int `json:"shardCount,omitempty"`
	ClusterCount int `json:"clusterCount,omitempty"`
}

type ShardUpdate struct {
	ShardID   int    `json:"shardID"`
	ClusterID int    `json:"clusterID"`
	Type      string `json:"type"`
	Err       string `json:"err,omitempty"`
}

const (
	ShardConnect    = "shardConnect"
	ShardReady      = "shardReady"
	ShardResume     = "shardResume"
	ShardDisconnect = "shardDisconnect"
)

type LogLine struct {
	Msg    string         `json:"msg"`
	Source string         `json:"source,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// SerializedError is the tagged reconstruction record for an error that
// crossed a process boundary.
type SerializedError struct {
	ConvertedErrorObject bool   `json:"convertedErrorObject"`
	Name                 string `json:"name"`
	Message              string `json:"message"`
	Stack                string `json:"stack,omitempty"`
}

// NoValue is returned by a fetch when the entity is not cached.
type NoValue struct {
	ID      string `json:"id"`
	NoValue bool   `json:"noValue"`
}

// IsNoValue reports whether a fetch result is the not-cached marker. An
// empty result counts as one.
func IsNoValue(v json.RawMessage) bool {
	if len(v) == 0 {
		return true
	}
	var nv NoValue
	if err := json.Unmarshal(v, &nv); err != nil {
		return false
	}
	return nv.NoValue
}

// ErrValue is the request-level failure shape of a command or eval reply.
type ErrValue struct {
	Err string `json:"err"`
}

// MemberKey is the id format of a fetchMember request.
type MemberKey struct {
	GuildID  string `json:"guildID"`
	MemberID string `json:"memberID"`
}

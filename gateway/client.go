// Package gateway declares the capabilities flotilla consumes from the
// real-time gateway client library and its REST surface. Workers never speak
// the socket protocol themselves; they drive a Client built by a Factory.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buddhike/flotilla/messages"
)

type Shard struct {
	ID      int
	Ready   bool
	Latency time.Duration
	Status  string
}

// GuildSummary is the per-guild data needed for stats.
type GuildSummary struct {
	ID          string
	ShardID     int
	MemberCount int
	Large       bool
}

// Client is a connected gateway client owning a contiguous shard range.
// Entity lookups only see what the client's own shards have cached.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()

	User(id string) (any, bool)
	Channel(id string) (any, bool)
	Guild(id string) (any, bool)
	Member(guildID, memberID string) (any, bool)

	Shards() []Shard
	Guilds() []GuildSummary
	UserCount() int
	VoiceConnectionCount() int
	Uptime() time.Duration

	EditStatus(status messages.StartingStatus) error

	// Request performs a REST call through the installed RequestHandler.
	RequestHandler
	SetRequestHandler(h RequestHandler)
}

// EventHandler receives shard lifecycle events from a Client. Calls may
// arrive on any goroutine.
type EventHandler interface {
	ShardConnect(id int)
	ShardReady(id int)
	ShardResume(id int)
	ShardDisconnect(id int, err error)
	Ready()
	Warn(msg string, shardID int)
	Error(err error, shardID int)
}

type Options struct {
	messages.ShardRange
	ClientOptions json.RawMessage
	Handler       EventHandler
}

type Factory func(opts Options) (Client, error)

// RequestHandler performs one REST call and returns the raw JSON result.
type RequestHandler interface {
	Request(ctx context.Context, opts RequestOptions) (json.RawMessage, error)
}

type RequestHandlerFunc func(ctx context.Context, opts RequestOptions) (json.RawMessage, error)

func (f RequestHandlerFunc) Request(ctx context.Context, opts RequestOptions) (json.RawMessage, error) {
	return f(ctx, opts)
}

type RequestOptions struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Auth    bool              `json:"auth,omitempty"`
	JSON    json.RawMessage   `json:"json,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Route   string            `json:"route,omitempty"`
	Files   []File            `json:"files,omitempty"`
}

type File struct {
	Name     string `json:"name"`
	Contents []byte `json:"contents,omitempty"`
}

// RateLimitError is returned by a RequestHandler when the REST API rejected
// a call for exceeding a limit.
type RateLimitError struct {
	Route      string
	Global     bool
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %q (global=%t), retry after %s", e.Route, e.Global, e.RetryAfter)
}

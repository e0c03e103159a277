package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/buddhike/flotilla/messages"
)

var ErrNoRequestHandler = errors.New("gateway: no request handler configured")

type MemoryUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

type MemoryChannel struct {
	ID      string `json:"id"`
	GuildID string `json:"guildID,omitempty"`
	Name    string `json:"name"`
}

type MemoryMember struct {
	ID   string `json:"id"`
	Nick string `json:"nick,omitempty"`
}

type MemoryGuild struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	MemberCount int                     `json:"memberCount"`
	Large       bool                    `json:"large"`
	Members     map[string]MemoryMember `json:"-"`
	shardID     int
}

// Memory is an in-process Client backed by maps. Connect reports every
// owned shard as connected and ready, which makes it suitable for local
// development and tests.
type Memory struct {
	mut         *sync.Mutex
	opts        Options
	users       map[string]MemoryUser
	channels    map[string]MemoryChannel
	guilds      map[string]*MemoryGuild
	shards      map[int]*Shard
	voice       int
	connectedAt time.Time
	status      *messages.StartingStatus
	requests    RequestHandler
	ConnectErr  error
}

func NewMemory(opts Options) *Memory {
	m := &Memory{
		mut:      &sync.Mutex{},
		opts:     opts,
		users:    make(map[string]MemoryUser),
		channels: make(map[string]MemoryChannel),
		guilds:   make(map[string]*MemoryGuild),
		shards:   make(map[int]*Shard),
	}
	for id := opts.FirstShardID; id <= opts.LastShardID; id++ {
		m.shards[id] = &Shard{ID: id, Status: "disconnected"}
	}
	return m
}

// NewMemoryFactory returns a Factory whose clients are populated by seed
// and send REST calls to direct until a different handler is installed.
func NewMemoryFactory(direct RequestHandler, seed func(*Memory)) Factory {
	return func(opts Options) (Client, error) {
		m := NewMemory(opts)
		m.requests = direct
		if seed != nil {
			seed(m)
		}
		return m, nil
	}
}

// AddGuild caches g on shardID. Guilds on shards this client does not own
// are ignored.
func (m *Memory) AddGuild(shardID int, g MemoryGuild) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if !m.opts.Contains(shardID) {
		return
	}
	g.shardID = shardID
	if g.Members == nil {
		g.Members = make(map[string]MemoryMember)
	}
	m.guilds[g.ID] = &g
}

func (m *Memory) AddUser(u MemoryUser) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) AddChannel(c MemoryChannel) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.channels[c.ID] = c
}

func (m *Memory) SetVoiceConnections(n int) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.voice = n
}

func (m *Memory) Range() messages.ShardRange {
	return m.opts.ShardRange
}

func (m *Memory) Connect(ctx context.Context) error {
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	h := m.opts.Handler
	m.mut.Lock()
	m.connectedAt = time.Now()
	m.mut.Unlock()

	for id := m.opts.FirstShardID; id <= m.opts.LastShardID; id++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.setShard(id, false, "connecting")
		if h != nil {
			h.ShardConnect(id)
		}
		m.setShard(id, true, "ready")
		if h != nil {
			h.ShardReady(id)
		}
	}
	if h != nil {
		h.Ready()
	}
	return nil
}

func (m *Memory) Disconnect() {
	for id := m.opts.FirstShardID; id <= m.opts.LastShardID; id++ {
		m.setShard(id, false, "disconnected")
	}
}

func (m *Memory) setShard(id int, ready bool, status string) {
	m.mut.Lock()
	defer m.mut.Unlock()
	s := m.shards[id]
	s.Ready = ready
	s.Status = status
}

func (m *Memory) User(id string) (any, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	u, ok := m.users[id]
	return u, ok
}

func (m *Memory) Channel(id string) (any, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	c, ok := m.channels[id]
	return c, ok
}

func (m *Memory) Guild(id string) (any, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	g, ok := m.guilds[id]
	if !ok {
		return nil, false
	}
	return *g, true
}

func (m *Memory) Member(guildID, memberID string) (any, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	g, ok := m.guilds[guildID]
	if !ok {
		return nil, false
	}
	member, ok := g.Members[memberID]
	return member, ok
}

func (m *Memory) Shards() []Shard {
	m.mut.Lock()
	defer m.mut.Unlock()
	r := make([]Shard, 0, len(m.shards))
	for id := m.opts.FirstShardID; id <= m.opts.LastShardID; id++ {
		r = append(r, *m.shards[id])
	}
	return r
}

func (m *Memory) Guilds() []GuildSummary {
	m.mut.Lock()
	defer m.mut.Unlock()
	r := make([]GuildSummary, 0, len(m.guilds))
	for _, g := range m.guilds {
		r = append(r, GuildSummary{ID: g.ID, ShardID: g.shardID, MemberCount: g.MemberCount, Large: g.Large})
	}
	return r
}

func (m *Memory) UserCount() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.users)
}

func (m *Memory) VoiceConnectionCount() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.voice
}

func (m *Memory) Uptime() time.Duration {
	m.mut.Lock()
	defer m.mut.Unlock()
	if m.connectedAt.IsZero() {
		return 0
	}
	return time.Since(m.connectedAt)
}

func (m *Memory) EditStatus(status messages.StartingStatus) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.status = &status
	return nil
}

func (m *Memory) Status() *messages.StartingStatus {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.status
}

func (m *Memory) SetRequestHandler(h RequestHandler) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.requests = h
}

func (m *Memory) Request(ctx context.Context, opts RequestOptions) (json.RawMessage, error) {
	m.mut.Lock()
	h := m.requests
	m.mut.Unlock()
	if h == nil {
		return nil, ErrNoRequestHandler
	}
	return h.Request(ctx, opts)
}

package messages

import "time"

type ShardStats struct {
	ID      int    `json:"id"`
	Ready   bool   `json:"ready"`
	Latency int64  `json:"latency"`
	Status  string `json:"status"`
	Guilds  int    `json:"guilds"`
	Users   int    `json:"users"`
	Members int    `json:"members"`
}

// ClusterStats is the fragment a cluster worker reports for one stats cycle.
type ClusterStats struct {
	ClusterID   int          `json:"id"`
	Guilds      int          `json:"guilds"`
	Users       int          `json:"users"`
	Members     int          `json:"members"`
	Voice       int          `json:"voice"`
	LargeGuilds int          `json:"largeGuilds"`
	Uptime      int64        `json:"uptime"`
	RAM         float64      `json:"ram"`
	IPCLatency  int64        `json:"ipcLatency"`
	Shards      []ShardStats `json:"shards"`
}

type ServiceStats struct {
	Name       string  `json:"name"`
	Uptime     int64   `json:"uptime"`
	RAM        float64 `json:"ram"`
	IPCLatency int64   `json:"ipcLatency"`
}

// StatsSnapshot is valid only for the cycle that produced it.
type StatsSnapshot struct {
	Guilds      int            `json:"guilds"`
	Users       int            `json:"users"`
	Members     int            `json:"members"`
	Voice       int            `json:"voice"`
	LargeGuilds int            `json:"largeGuilds"`
	ShardCount  int            `json:"shardCount"`
	ClustersRAM float64        `json:"clustersRam"`
	ServicesRAM float64        `json:"servicesRam"`
	MasterRAM   float64        `json:"masterRam"`
	TotalRAM    float64        `json:"totalRam"`
	Clusters    []ClusterStats `json:"clusters"`
	Services    []ServiceStats `json:"services"`
	Missing     []string       `json:"missing,omitempty"`
	CollectedAt time.Time      `json:"collectedAt"`
}

// AddCluster merges a cluster fragment into the aggregate totals.
func (s *StatsSnapshot) AddCluster(c ClusterStats) {
	s.Guilds += c.Guilds
	s.Users += c.Users
	s.Members += c.Members
	s.Voice += c.Voice
	s.LargeGuilds += c.LargeGuilds
	s.ShardCount += len(c.Shards)
	s.ClustersRAM += c.RAM
	s.TotalRAM += c.RAM
	s.Clusters = append(s.Clusters, c)
}

func (s *StatsSnapshot) AddService(svc ServiceStats) {
	s.ServicesRAM += svc.RAM
	s.TotalRAM += svc.RAM
	s.Services = append(s.Services, svc)
}

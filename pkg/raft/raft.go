// Package raft implements a replicated-log consensus engine: leader
// election, per-follower pipelined log replication, a leader-aware request
// proxy and a startup gate checking that the local server is routable by the
// rest of its group. Server locations are resolved through a routing
// RouteStore populated by the discovery subsystem.
package raft

import (
	"sort"

	"github.com/galdor/go-cluster/pkg/routing"
	"github.com/google/uuid"
)

type ServerId = routing.ServerId

type GroupId = routing.GroupId

type Term int64

// LogIndex is a 1-based position in the log; 0 means "no entry".
type LogIndex int64

// RequestId correlates pipelined responses with their requests without
// requiring strict request/response ordering.
type RequestId string

func NewRequestId() RequestId {
	return RequestId(uuid.NewString())
}

type ServerState string

const (
	ServerStateFollower  ServerState = "follower"
	ServerStateCandidate ServerState = "candidate"
	ServerStateLeader    ServerState = "leader"
)

type ServerRole string

const (
	// Members vote in elections and count toward commit majorities.
	ServerRoleMember ServerRole = "member"

	// Learners replicate the log but do not vote.
	ServerRoleLearner ServerRole = "learner"
)

// Configuration describes the membership of a replication group.
type Configuration struct {
	Servers map[ServerId]ServerRole `json:"servers"`
}

func (c *Configuration) Role(id ServerId) ServerRole {
	return c.Servers[id]
}

func (c *Configuration) MemberIds() []ServerId {
	var ids []ServerId

	for id, role := range c.Servers {
		if role == ServerRoleMember {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Quorum returns the number of members forming a strict majority.
func (c *Configuration) Quorum() int {
	return len(c.MemberIds())/2 + 1
}

type LogEntry struct {
	Index LogIndex `json:"index"`
	Term  Term     `json:"term"`
	Data  []byte   `json:"data,omitempty"`
}

type PersistentState struct {
	CurrentTerm Term     `json:"currentTerm"`
	VotedFor    ServerId `json:"votedFor"`
}

package raft

import (
	"fmt"
)

// Status is a snapshot of a server's consensus state, served over the
// status endpoint and consumed by the well-known checker and the leader
// proxy.
type Status struct {
	Id      ServerId `json:"id"`
	GroupId GroupId  `json:"groupId"`

	State         ServerState   `json:"state"`
	Term          Term          `json:"term"`
	LeaderHint    ServerId      `json:"leaderHint"`
	Configuration Configuration `json:"configuration"`

	LastLogIndex LogIndex `json:"lastLogIndex"`
	LastLogTerm  Term     `json:"lastLogTerm"`
	CommitIndex  LogIndex `json:"commitIndex"`
}

// NotLeaderError is returned by leader-only operations attempted on a
// non-leader. LeaderHint is 0 unless a still-valid leader id is known.
type NotLeaderError struct {
	Term       Term     `json:"term"`
	LeaderHint ServerId `json:"leaderHint"`
}

func (err *NotLeaderError) Error() string {
	if err.LeaderHint == 0 {
		return fmt.Sprintf("not the leader in term %d", err.Term)
	}

	return fmt.Sprintf("not the leader in term %d, try server %d",
		err.Term, err.LeaderHint)
}

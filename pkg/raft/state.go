package raft

import (
	"time"
)

// Flow control limits for per-follower replication.
const (
	// Maximum number of pipelined AppendEntries requests to a live follower.
	maxInFlightRequests = 32

	// Maximum number of entries per request to a live follower.
	maxEntriesPerLiveAppend = 32

	// Maximum number of entries per request to a follower we are not sure is
	// keeping up.
	maxEntriesPerCautiousAppend = 4

	// Minimum delay between requests to a follower we are not sure is
	// keeping up.
	minCautiousAppendInterval = 50 * time.Millisecond
)

// FollowerMode describes how aggressively the leader replicates to one
// follower. Transitions are driven by AppendEntries responses.
type FollowerMode string

const (
	// The follower accepted our last request: pipeline multiple requests
	// without waiting for acknowledgements.
	FollowerModeLive FollowerMode = "live"

	// The follower failed to respond recently: send one request at a time.
	FollowerModePessimistic FollowerMode = "pessimistic"

	// The follower rejected a request: search for the last log position in
	// common, one request at a time.
	FollowerModeCatchingUp FollowerMode = "catching-up"

	// The follower is too far behind to be served from our log and is
	// receiving a snapshot out of band: suspend appends, keep heartbeating.
	FollowerModeInstallingSnapshot FollowerMode = "installing-snapshot"
)

// pendingAppend records an in-flight AppendEntries request so that its
// response can be interpreted no matter the order responses arrive in.
type pendingAppend struct {
	startTime     time.Time
	prevLogIndex  LogIndex
	lastIndexSent LogIndex
}

// FollowerProgress tracks replication to one remote server while the local
// server is leader. Created when leadership is acquired, discarded when it
// is lost.
type FollowerProgress struct {
	Mode FollowerMode

	// Index of the next log entry to send.
	NextIndex LogIndex

	// Highest log index known to be replicated on the follower.
	MatchIndex LogIndex

	// Start time of the most recent request the follower acknowledged. Used
	// to compute the leader lease. Zero if the follower never answered.
	leaseStart time.Time

	// Zero values force sends on the first leader tick.
	lastHeartbeatSent time.Time
	lastAppendSent    time.Time

	pendingHeartbeats map[RequestId]time.Time
	pendingAppends    map[RequestId]pendingAppend
}

func newFollowerProgress(lastLogIndex LogIndex) *FollowerProgress {
	return &FollowerProgress{
		Mode:      FollowerModePessimistic,
		NextIndex: lastLogIndex + 1,

		pendingHeartbeats: make(map[RequestId]time.Time),
		pendingAppends:    make(map[RequestId]pendingAppend),
	}
}

type followerState struct {
	// Last server we received a valid heartbeat from, 0 if none.
	lastLeaderId ServerId

	lastHeartbeat time.Time
}

type candidateState struct {
	electionStart time.Time

	// Responses carrying a different request id are from a previous election
	// round and are ignored.
	voteRequestId RequestId

	votesReceived map[ServerId]struct{}

	// True once a peer refused us its vote for the current term, meaning it
	// already voted for someone else. The next election must use a higher
	// term to have a chance of succeeding.
	someRejected bool
}

type leaderState struct {
	followers map[ServerId]*FollowerProgress

	// Latest time at which a majority of members (including the local
	// server) had acknowledged our leadership. Serving linearizable reads
	// and staying leader both require this to be recent.
	leaseStart time.Time
}

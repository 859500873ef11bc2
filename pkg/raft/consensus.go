package raft

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Commands larger than this are rejected before entering the log.
const maxCommandSize = 4 << 20

// MsgSender delivers a message to another server in the group. It must not
// block; delivery is best effort, the protocol tolerates loss.
type MsgSender interface {
	SendMsg(recipientId ServerId, msg RPCMsg)
}

type ConsensusModuleCfg struct {
	Id            ServerId
	GroupId       GroupId
	Configuration Configuration

	Logger Logger

	LogStore     *LogStore
	InitialState PersistentState

	// Persist durably stores the state before any message depending on it
	// is sent. Optional (tests).
	Persist func(PersistentState) error

	// Apply delivers committed entries, in log order, exactly once per
	// process lifetime. Entries with no data (internal no-ops) are skipped.
	Apply func(LogEntry) error

	Sender MsgSender

	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration
	HeartbeatInterval  time.Duration
}

// ConsensusModule is the consensus state machine of one server: role, term,
// election bookkeeping and per-follower replication progress. It is network
// free: messages go out through the configured sender and come back in
// through HandleMsg, which makes the whole protocol testable with a fake
// sender and synthetic clocks.
//
// All exported methods are safe for concurrent use; internal state is
// protected by a single lock, never held across I/O.
type ConsensusModule struct {
	Cfg ConsensusModuleCfg
	Log Logger

	id ServerId

	mu sync.Mutex

	pstate PersistentState

	state     ServerState
	follower  followerState
	candidate *candidateState
	leader    *leaderState

	electionDeadline time.Time

	commitIndex LogIndex
	lastApplied LogIndex

	log *LogStore

	randGenerator *rand.Rand
}

func NewConsensusModule(cfg ConsensusModuleCfg) (*ConsensusModule, error) {
	if cfg.Id == 0 {
		return nil, fmt.Errorf("missing or invalid server id")
	}

	if _, found := cfg.Configuration.Servers[cfg.Id]; !found {
		return nil, fmt.Errorf("server %d not in configuration", cfg.Id)
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.LogStore == nil {
		return nil, fmt.Errorf("missing log store")
	}

	if cfg.Sender == nil {
		return nil, fmt.Errorf("missing message sender")
	}

	if cfg.MinElectionTimeout == 0 {
		cfg.MinElectionTimeout = 400 * time.Millisecond
	}

	if cfg.MaxElectionTimeout == 0 {
		cfg.MaxElectionTimeout = 800 * time.Millisecond
	}

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 150 * time.Millisecond
	}

	randSource := rand.NewSource(time.Now().UnixNano())

	m := &ConsensusModule{
		Cfg: cfg,
		Log: cfg.Logger,

		id: cfg.Id,

		pstate: cfg.InitialState,
		state:  ServerStateFollower,

		log: cfg.LogStore,

		randGenerator: rand.New(randSource),
	}

	return m, nil
}

// Start arms the initial election timeout.
func (m *ConsensusModule) Start(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetElectionDeadline(now)
}

func (m *ConsensusModule) State() ServerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

func (m *ConsensusModule) CurrentTerm() Term {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pstate.CurrentTerm
}

func (m *ConsensusModule) CommitIndex() LogIndex {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.commitIndex
}

// LeaderHint returns the server currently believed to be leader, 0 if
// unknown or if the belief is too old to be trusted.
func (m *ConsensusModule) LeaderHint() ServerId {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.leaderHint(time.Now())
}

func (m *ConsensusModule) CurrentStatus() *Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return &Status{
		Id:      m.id,
		GroupId: m.Cfg.GroupId,

		State:         m.state,
		Term:          m.pstate.CurrentTerm,
		LeaderHint:    m.leaderHint(time.Now()),
		Configuration: m.Cfg.Configuration,

		LastLogIndex: m.log.LastIndex(),
		LastLogTerm:  m.log.LastTerm(),
		CommitIndex:  m.commitIndex,
	}
}

// Tick advances timers: election timeouts for followers and candidates,
// heartbeats, replication flow control and the leadership lease for leaders.
func (m *ConsensusModule) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case ServerStateFollower, ServerStateCandidate:
		if m.Cfg.Configuration.Role(m.id) != ServerRoleMember {
			return
		}

		if !now.Before(m.electionDeadline) {
			m.becomeCandidate(now)
		}

	case ServerStateLeader:
		m.leaderTick(now)
	}
}

// Propose appends a command to the replicated log. Only the leader accepts
// proposals; everyone else fails with a NotLeaderError carrying a leader
// hint when one is known.
func (m *ConsensusModule) Propose(data []byte, now time.Time) (LogIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != ServerStateLeader {
		return 0, &NotLeaderError{
			Term:       m.pstate.CurrentTerm,
			LeaderHint: m.leaderHint(now),
		}
	}

	if len(data) > maxCommandSize {
		return 0, fmt.Errorf("command too large (%d bytes)", len(data))
	}

	entry := LogEntry{
		Index: m.log.LastIndex() + 1,
		Term:  m.pstate.CurrentTerm,
		Data:  data,
	}

	if err := m.log.AppendEntry(entry); err != nil {
		return 0, fmt.Errorf("cannot append entry: %w", err)
	}

	m.leaderTick(now)

	return entry.Index, nil
}

// ReadIndex returns the index a linearizable read must wait for before
// being served. It is only valid while the leadership lease is fresh.
func (m *ConsensusModule) ReadIndex(now time.Time) (LogIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != ServerStateLeader {
		return 0, &NotLeaderError{
			Term:       m.pstate.CurrentTerm,
			LeaderHint: m.leaderHint(now),
		}
	}

	if now.Sub(m.leader.leaseStart) > m.Cfg.MinElectionTimeout {
		return 0, fmt.Errorf("leader lease is stale")
	}

	return m.commitIndex, nil
}

func (m *ConsensusModule) HandleMsg(sourceId ServerId, msg RPCMsg, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msgv := msg.(type) {
	case *RPCRequestVoteRequest:
		m.handleRequestVote(sourceId, msgv, now)
	case *RPCRequestVoteResponse:
		m.handleRequestVoteResponse(sourceId, msgv, now)
	case *RPCAppendEntriesRequest:
		m.handleAppendEntries(sourceId, msgv, now)
	case *RPCAppendEntriesResponse:
		m.handleAppendEntriesResponse(sourceId, msgv, now)
	default:
		m.Log.Error("unexpected message %v from %d", msg, sourceId)
	}
}

// HandleNoResponse is called by the transport when an outgoing AppendEntries
// request failed or timed out. The follower is probably unreachable, so
// pipelining is suspended until it answers again.
func (m *ConsensusModule) HandleNoResponse(recipientId ServerId, requestId RequestId, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != ServerStateLeader {
		return
	}

	p, found := m.leader.followers[recipientId]
	if !found {
		return
	}

	if _, pending := p.pendingHeartbeats[requestId]; pending {
		delete(p.pendingHeartbeats, requestId)
	} else if _, pending := p.pendingAppends[requestId]; pending {
		delete(p.pendingAppends, requestId)
	} else {
		return
	}

	if p.Mode == FollowerModeLive {
		p.Mode = FollowerModePessimistic
	}
}

// MarkSnapshotInstalled is called by the snapshot transfer collaborator once
// a follower has loaded a snapshot covering the log up to lastIndex.
func (m *ConsensusModule) MarkSnapshotInstalled(recipientId ServerId, lastIndex LogIndex, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != ServerStateLeader {
		return
	}

	p, found := m.leader.followers[recipientId]
	if !found || p.Mode != FollowerModeInstallingSnapshot {
		return
	}

	p.Mode = FollowerModeLive
	p.NextIndex = lastIndex + 1
	p.MatchIndex = lastIndex

	m.replicateToFollower(recipientId, p, now)
}

func (m *ConsensusModule) handleRequestVote(sourceId ServerId, req *RPCRequestVoteRequest, now time.Time) {
	m.observeTerm(req.Term, now)

	granted := m.voteShouldGrant(req)

	if granted {
		pstate := m.pstate
		pstate.VotedFor = req.CandidateId

		if err := m.persistState(pstate); err != nil {
			granted = false
		} else if m.state == ServerStateFollower {
			// Reset the election timeout even if this is a recast of the
			// same vote, so that the candidate can depend on a quiet
			// interval after being elected.
			m.follower.lastHeartbeat = now
			m.follower.lastLeaderId = req.CandidateId
			m.resetElectionDeadline(now)
		}

		if granted {
			m.Log.Debug(1, "casted vote for %d in term %d",
				req.CandidateId, m.pstate.CurrentTerm)
		}
	}

	m.Cfg.Sender.SendMsg(sourceId, &RPCRequestVoteResponse{
		Term:          m.pstate.CurrentTerm,
		VoteRequestId: req.VoteRequestId,
		VoteGranted:   granted,
	})
}

func (m *ConsensusModule) voteShouldGrant(req *RPCRequestVoteRequest) bool {
	if req.Term < m.pstate.CurrentTerm {
		return false
	}

	// Whether the candidate's log is at least as up-to-date as ours: a
	// higher last term wins, equal terms compare lengths.
	lastLogIndex := m.log.LastIndex()
	lastLogTerm := m.log.LastTerm()

	upToDate := req.LastLogTerm > lastLogTerm ||
		(req.LastLogTerm == lastLogTerm && req.LastLogIndex >= lastLogIndex)
	if !upToDate {
		return false
	}

	// One vote per term
	if m.pstate.VotedFor != 0 && m.pstate.VotedFor != req.CandidateId {
		return false
	}

	return true
}

func (m *ConsensusModule) handleRequestVoteResponse(sourceId ServerId, res *RPCRequestVoteResponse, now time.Time) {
	if m.observeTerm(res.Term, now) {
		return
	}

	if m.state != ServerStateCandidate {
		return
	}

	cs := m.candidate

	// Late responses from a previous election round
	if res.VoteRequestId != cs.voteRequestId {
		return
	}

	if res.Term != m.pstate.CurrentTerm {
		return
	}

	if m.Cfg.Configuration.Role(sourceId) != ServerRoleMember {
		return
	}

	if !res.VoteGranted {
		cs.someRejected = true
		return
	}

	cs.votesReceived[sourceId] = struct{}{}

	if len(cs.votesReceived) >= m.Cfg.Configuration.Quorum() {
		m.becomeLeader(now)
	}
}

func (m *ConsensusModule) handleAppendEntries(sourceId ServerId, req *RPCAppendEntriesRequest, now time.Time) {
	m.observeTerm(req.Term, now)

	reply := func(success bool, lastLogIndex LogIndex) {
		m.Cfg.Sender.SendMsg(sourceId, &RPCAppendEntriesResponse{
			Term:         m.pstate.CurrentTerm,
			RequestId:    req.RequestId,
			Success:      success,
			LastLogIndex: lastLogIndex,
		})
	}

	// A stale leader; the term in the response will demote it
	if req.Term < m.pstate.CurrentTerm {
		reply(false, m.log.LastIndex())
		return
	}

	// A candidate observing a leader for the current term becomes a
	// follower; this is how the initial heartbeat of a new leader stops
	// ongoing elections.
	if m.state == ServerStateCandidate {
		m.becomeFollower(now)
	}

	if m.state == ServerStateLeader {
		m.Log.Error("received append entries from another leader in term %d",
			req.Term)
		return
	}

	if m.follower.lastLeaderId != req.LeaderId {
		m.Log.Info("leader is %d", req.LeaderId)
	}

	m.follower.lastHeartbeat = now
	m.follower.lastLeaderId = req.LeaderId
	m.resetElectionDeadline(now)

	// Consistency check: our log must contain the entry the request builds
	// upon, with the same term.
	prevTerm, found := m.log.TermAt(req.PrevLogIndex)
	if !found {
		// Our log is too short; tell the leader where it ends.
		reply(false, m.log.LastIndex())
		return
	}

	if prevTerm != req.PrevLogTerm {
		// Our log conflicts with the leader's. Asking it to restart from our
		// commit index guarantees the next request will pass the check, at
		// the price of resending a few entries.
		reply(false, m.commitIndex)
		return
	}

	// Skip entries already present; truncate our log at the first conflict.
	firstNew := 0
	for _, e := range req.Entries {
		existingTerm, found := m.log.TermAt(e.Index)
		if !found {
			break
		}

		if existingTerm == e.Term {
			firstNew++
			continue
		}

		if e.Index <= m.commitIndex {
			m.Log.Error("refusing to truncate committed entries")
			reply(false, m.log.LastIndex())
			return
		}

		if err := m.log.TruncateAfter(e.Index - 1); err != nil {
			m.Log.Error("cannot truncate log: %v", err)
			reply(false, m.log.LastIndex())
			return
		}

		break
	}

	for _, e := range req.Entries[firstNew:] {
		if err := m.log.AppendEntry(e); err != nil {
			m.Log.Error("cannot append entry: %v", err)
			reply(false, m.log.LastIndex())
			return
		}
	}

	// Only advance the commit index up to the last entry of this request:
	// anything beyond it has not been validated against the leader's log.
	lastNew := req.PrevLogIndex + LogIndex(len(req.Entries))

	if req.LeaderCommit > m.commitIndex {
		nextCommitIndex := req.LeaderCommit
		if lastNew < nextCommitIndex {
			nextCommitIndex = lastNew
		}

		if nextCommitIndex > m.commitIndex {
			m.commitIndex = nextCommitIndex
			m.applyCommitted()
		}
	}

	reply(true, m.log.LastIndex())
}

func (m *ConsensusModule) handleAppendEntriesResponse(sourceId ServerId, res *RPCAppendEntriesResponse, now time.Time) {
	if m.observeTerm(res.Term, now) {
		return
	}

	if m.state != ServerStateLeader {
		return
	}

	if res.Term != m.pstate.CurrentTerm {
		return
	}

	p, found := m.leader.followers[sourceId]
	if !found {
		return
	}

	if startTime, pending := p.pendingHeartbeats[res.RequestId]; pending {
		delete(p.pendingHeartbeats, res.RequestId)

		if startTime.After(p.leaseStart) {
			p.leaseStart = startTime
		}

		if !res.Success {
			p.Mode = FollowerModeCatchingUp
			p.NextIndex = clampNextIndex(res.LastLogIndex+1, m.log.LastIndex())
		}

		return
	}

	ctx, pending := p.pendingAppends[res.RequestId]
	if !pending {
		// A response for a request we forgot about, e.g. one that already
		// timed out.
		return
	}
	delete(p.pendingAppends, res.RequestId)

	if ctx.startTime.After(p.leaseStart) {
		p.leaseStart = ctx.startTime
	}

	if res.Success {
		p.Mode = FollowerModeLive

		// Out of order responses must never regress the match index.
		if ctx.lastIndexSent > p.MatchIndex {
			p.MatchIndex = ctx.lastIndexSent
		}

		if p.NextIndex < p.MatchIndex+1 {
			p.NextIndex = p.MatchIndex + 1
		}

		m.advanceCommitIndex()
	} else {
		p.Mode = FollowerModeCatchingUp
		p.NextIndex = clampNextIndex(res.LastLogIndex+1, m.log.LastIndex())
	}

	m.replicateToFollower(sourceId, p, now)
}

func clampNextIndex(index, lastLogIndex LogIndex) LogIndex {
	if index < 1 {
		index = 1
	}

	if index > lastLogIndex+1 {
		index = lastLogIndex + 1
	}

	return index
}

// observeTerm reverts the local server to follower if the term is higher
// than the current one. Returns true if it did.
func (m *ConsensusModule) observeTerm(term Term, now time.Time) bool {
	if term <= m.pstate.CurrentTerm {
		return false
	}

	m.Log.Debug(1, "observed term %d (current term: %d), "+
		"reverting to follower", term, m.pstate.CurrentTerm)

	m.persistState(PersistentState{CurrentTerm: term})
	m.becomeFollower(now)

	return true
}

func (m *ConsensusModule) becomeFollower(now time.Time) {
	m.state = ServerStateFollower
	m.candidate = nil
	m.leader = nil
	m.follower = followerState{}

	m.resetElectionDeadline(now)
}

func (m *ConsensusModule) becomeCandidate(now time.Time) {
	// Retrying an election at the same term is fine as long as no peer
	// refused us its vote; a refusal means someone else got it for this
	// term, and only a higher term can win then.
	mustIncrement := true
	if m.state == ServerStateCandidate && !m.candidate.someRejected {
		mustIncrement = false
	}

	pstate := m.pstate
	if mustIncrement {
		pstate.CurrentTerm++
	}
	pstate.VotedFor = m.id

	if err := m.persistState(pstate); err != nil {
		// Try again later
		m.resetElectionDeadline(now)
		return
	}

	m.Log.Debug(1, "starting election for term %d", m.pstate.CurrentTerm)

	m.state = ServerStateCandidate
	m.leader = nil
	m.candidate = &candidateState{
		electionStart: now,
		voteRequestId: NewRequestId(),
		votesReceived: map[ServerId]struct{}{m.id: {}},
	}

	m.resetElectionDeadline(now)

	req := RPCRequestVoteRequest{
		Term:          m.pstate.CurrentTerm,
		CandidateId:   m.id,
		VoteRequestId: m.candidate.voteRequestId,
		LastLogIndex:  m.log.LastIndex(),
		LastLogTerm:   m.log.LastTerm(),
	}

	for _, id := range m.Cfg.Configuration.MemberIds() {
		if id == m.id {
			continue
		}

		m.Cfg.Sender.SendMsg(id, &req)
	}

	// Single member group: we are our own majority
	if len(m.candidate.votesReceived) >= m.Cfg.Configuration.Quorum() {
		m.becomeLeader(now)
	}
}

func (m *ConsensusModule) becomeLeader(now time.Time) {
	m.Log.Info("obtained %d/%d votes, becoming leader in term %d",
		len(m.candidate.votesReceived),
		len(m.Cfg.Configuration.MemberIds()), m.pstate.CurrentTerm)

	m.state = ServerStateLeader
	m.candidate = nil

	ls := &leaderState{
		followers:  make(map[ServerId]*FollowerProgress),
		leaseStart: now,
	}

	for id := range m.Cfg.Configuration.Servers {
		if id == m.id {
			continue
		}

		ls.followers[id] = newFollowerProgress(m.log.LastIndex())
	}

	m.leader = ls

	// Entries from previous terms can never be committed directly. If any
	// are pending, append a no-op at the current term whose commitment will
	// carry them along.
	if m.log.LastIndex() > m.commitIndex &&
		m.log.LastTerm() != m.pstate.CurrentTerm {
		entry := LogEntry{
			Index: m.log.LastIndex() + 1,
			Term:  m.pstate.CurrentTerm,
		}

		if err := m.log.AppendEntry(entry); err != nil {
			m.Log.Error("cannot append no-op entry: %v", err)
		}
	}

	m.leaderTick(now)
}

func (m *ConsensusModule) leaderTick(now time.Time) {
	m.updateLease(now)

	if m.state != ServerStateLeader {
		// Stepped down on a stale lease
		return
	}

	for id, p := range m.leader.followers {
		m.sendHeartbeatIfDue(id, p, now)
		m.replicateToFollower(id, p, now)
	}

	m.advanceCommitIndex()
}

// updateLease recomputes the leadership lease as the time at which the
// majority'th freshest follower last acknowledged us (the local server
// always counts toward the majority). A leader whose lease went stale for a
// full election timeout cannot rule out that someone else got elected, and
// steps down.
func (m *ConsensusModule) updateLease(now time.Time) {
	ls := m.leader
	needed := m.Cfg.Configuration.Quorum() - 1

	if needed == 0 {
		ls.leaseStart = now
		return
	}

	var times []time.Time

	for _, id := range m.Cfg.Configuration.MemberIds() {
		if id == m.id {
			continue
		}

		var t time.Time
		if p, found := ls.followers[id]; found {
			t = p.leaseStart
		}

		times = append(times, t)
	}

	sort.Slice(times, func(i, j int) bool { return times[i].After(times[j]) })

	if needed <= len(times) {
		computed := times[needed-1]
		if computed.After(ls.leaseStart) {
			ls.leaseStart = computed
		}
	}

	if now.Sub(ls.leaseStart) > m.Cfg.MaxElectionTimeout {
		m.Log.Info("leadership lease expired, reverting to follower")
		m.becomeFollower(now)
	}
}

// sendHeartbeatIfDue keeps the follower's election timer and our lease
// fresh independently of entry replication. Heartbeats are anchored at the
// follower's match index so they always pass the consistency check.
func (m *ConsensusModule) sendHeartbeatIfDue(id ServerId, p *FollowerProgress, now time.Time) {
	if !p.lastHeartbeatSent.IsZero() &&
		now.Sub(p.lastHeartbeatSent) < m.Cfg.HeartbeatInterval {
		return
	}

	prevLogTerm, found := m.log.TermAt(p.MatchIndex)
	if !found {
		return
	}

	leaderCommit := m.commitIndex
	if p.MatchIndex < leaderCommit {
		leaderCommit = p.MatchIndex
	}

	requestId := NewRequestId()

	p.pendingHeartbeats[requestId] = now
	p.lastHeartbeatSent = now

	m.Cfg.Sender.SendMsg(id, &RPCAppendEntriesRequest{
		Term:         m.pstate.CurrentTerm,
		LeaderId:     m.id,
		RequestId:    requestId,
		PrevLogIndex: p.MatchIndex,
		PrevLogTerm:  prevLogTerm,
		LeaderCommit: leaderCommit,
	})
}

func (m *ConsensusModule) replicateToFollower(id ServerId, p *FollowerProgress, now time.Time) {
	lastLogIndex := m.log.LastIndex()

	switch p.Mode {
	case FollowerModeInstallingSnapshot:
		// Heartbeats only until the transfer is done

	case FollowerModeLive:
		for len(p.pendingAppends) < maxInFlightRequests &&
			p.NextIndex <= lastLogIndex {
			m.sendAppend(id, p, now, maxEntriesPerLiveAppend, true)

			if p.Mode != FollowerModeLive {
				break
			}
		}

	case FollowerModePessimistic, FollowerModeCatchingUp:
		if len(p.pendingAppends) > 0 {
			return
		}

		if !p.lastAppendSent.IsZero() &&
			now.Sub(p.lastAppendSent) < minCautiousAppendInterval {
			return
		}

		if p.NextIndex > lastLogIndex {
			return
		}

		m.sendAppend(id, p, now, maxEntriesPerCautiousAppend, false)
	}
}

func (m *ConsensusModule) sendAppend(id ServerId, p *FollowerProgress, now time.Time, maxCount int, optimistic bool) {
	prevLogIndex := p.NextIndex - 1

	prevLogTerm, found := m.log.TermAt(prevLogIndex)
	if !found {
		// The entries the follower needs are no longer in our log; it can
		// only be brought back with a snapshot.
		p.Mode = FollowerModeInstallingSnapshot
		return
	}

	entries := m.log.Slice(p.NextIndex, maxCount)

	requestId := NewRequestId()

	p.pendingAppends[requestId] = pendingAppend{
		startTime:     now,
		prevLogIndex:  prevLogIndex,
		lastIndexSent: prevLogIndex + LogIndex(len(entries)),
	}
	p.lastAppendSent = now

	if optimistic {
		// Pipelining: assume success, the next request continues from here
		p.NextIndex = prevLogIndex + LogIndex(len(entries)) + 1
	}

	m.Cfg.Sender.SendMsg(id, &RPCAppendEntriesRequest{
		Term:         m.pstate.CurrentTerm,
		LeaderId:     m.id,
		RequestId:    requestId,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: m.commitIndex,
	})
}

// advanceCommitIndex commits the highest index replicated on a majority of
// members, with the standard restriction that only entries from the current
// term are committed by counting replicas.
func (m *ConsensusModule) advanceCommitIndex() {
	ls := m.leader

	var matchIndexes []LogIndex

	for _, id := range m.Cfg.Configuration.MemberIds() {
		if id == m.id {
			matchIndexes = append(matchIndexes, m.log.LastIndex())
			continue
		}

		var matchIndex LogIndex
		if p, found := ls.followers[id]; found {
			matchIndex = p.MatchIndex
		}

		matchIndexes = append(matchIndexes, matchIndex)
	}

	sort.Slice(matchIndexes, func(i, j int) bool {
		return matchIndexes[i] > matchIndexes[j]
	})

	nextCommitIndex := matchIndexes[m.Cfg.Configuration.Quorum()-1]

	if nextCommitIndex <= m.commitIndex {
		return
	}

	if term, found := m.log.TermAt(nextCommitIndex); !found ||
		term != m.pstate.CurrentTerm {
		return
	}

	m.commitIndex = nextCommitIndex
	m.applyCommitted()
}

func (m *ConsensusModule) applyCommitted() {
	for m.lastApplied < m.commitIndex {
		index := m.lastApplied + 1

		entry, found := m.log.Get(index)
		if !found {
			m.Log.Error("missing committed entry %d", index)
			return
		}

		if len(entry.Data) > 0 && m.Cfg.Apply != nil {
			if err := m.Cfg.Apply(entry); err != nil {
				m.Log.Error("cannot apply entry %d: %v", index, err)
				return
			}
		}

		m.lastApplied = index
	}
}

func (m *ConsensusModule) leaderHint(now time.Time) ServerId {
	switch m.state {
	case ServerStateLeader:
		return m.id

	case ServerStateFollower:
		if m.follower.lastLeaderId != 0 &&
			now.Sub(m.follower.lastHeartbeat) <= m.Cfg.MaxElectionTimeout {
			return m.follower.lastLeaderId
		}
	}

	return 0
}

func (m *ConsensusModule) persistState(pstate PersistentState) error {
	if m.Cfg.Persist != nil {
		if err := m.Cfg.Persist(pstate); err != nil {
			m.Log.Error("cannot persist state: %v", err)
			return err
		}
	}

	m.pstate = pstate

	return nil
}

func (m *ConsensusModule) resetElectionDeadline(now time.Time) {
	m.electionDeadline = now.Add(m.electionTimeout())
}

func (m *ConsensusModule) electionTimeout() time.Duration {
	minTimeoutMs := m.Cfg.MinElectionTimeout.Milliseconds()
	maxTimeoutMs := m.Cfg.MaxElectionTimeout.Milliseconds()

	jitter := m.randGenerator.Int63n(maxTimeoutMs - minTimeoutMs + 1)
	timeoutMs := minTimeoutMs + jitter

	return time.Duration(timeoutMs) * time.Millisecond
}

package raft

import (
	"errors"
	"testing"
	"time"
)

type testLogger struct {
	t *testing.T
}

func newTestLogger(t *testing.T) *testLogger {
	return &testLogger{t: t}
}

func (l *testLogger) Debug(level int, format string, args ...interface{}) {
	l.t.Logf("debug: "+format, args...)
}

func (l *testLogger) Info(format string, args ...interface{}) {
	l.t.Logf("info: "+format, args...)
}

func (l *testLogger) Error(format string, args ...interface{}) {
	l.t.Logf("error: "+format, args...)
}

type sentMsg struct {
	RecipientId ServerId
	Msg         RPCMsg
}

type fakeSender struct {
	msgs []sentMsg
}

func (s *fakeSender) SendMsg(recipientId ServerId, msg RPCMsg) {
	s.msgs = append(s.msgs, sentMsg{recipientId, msg})
}

func (s *fakeSender) drain() []sentMsg {
	msgs := s.msgs
	s.msgs = nil
	return msgs
}

func (s *fakeSender) appendRequests(recipientId ServerId) []*RPCAppendEntriesRequest {
	var reqs []*RPCAppendEntriesRequest

	for _, m := range s.msgs {
		if m.RecipientId != recipientId {
			continue
		}

		if req, ok := m.Msg.(*RPCAppendEntriesRequest); ok {
			reqs = append(reqs, req)
		}
	}

	return reqs
}

func memberConfiguration(ids ...ServerId) Configuration {
	cfg := Configuration{Servers: make(map[ServerId]ServerRole)}

	for _, id := range ids {
		cfg.Servers[id] = ServerRoleMember
	}

	return cfg
}

type testModule struct {
	*ConsensusModule

	sender *fakeSender
	now    time.Time

	applied []LogEntry
}

func newTestModule(t *testing.T, id ServerId, cfg Configuration, pstate PersistentState) *testModule {
	logStore := NewLogStore("")
	if err := logStore.Open(); err != nil {
		t.Fatalf("cannot open log store: %v", err)
	}

	tm := &testModule{
		sender: &fakeSender{},
		now:    time.Now(),
	}

	m, err := NewConsensusModule(ConsensusModuleCfg{
		Id:            id,
		GroupId:       1,
		Configuration: cfg,

		Logger: newTestLogger(t),

		LogStore:     logStore,
		InitialState: pstate,

		Apply: func(entry LogEntry) error {
			tm.applied = append(tm.applied, entry)
			return nil
		},

		Sender: tm.sender,
	})
	if err != nil {
		t.Fatalf("cannot create module: %v", err)
	}

	tm.ConsensusModule = m

	m.Start(tm.now)

	return tm
}

func (tm *testModule) advance(d time.Duration) {
	tm.now = tm.now.Add(d)
	tm.Tick(tm.now)
}

// electLeader drives the module to leadership by timing out its election
// timer and granting it the vote of one other member.
func (tm *testModule) electLeader(t *testing.T, voterId ServerId) {
	tm.advance(tm.Cfg.MaxElectionTimeout + time.Millisecond)

	if tm.State() != ServerStateCandidate {
		t.Fatalf("expected candidate state, got %q", tm.State())
	}

	var voteReq *RPCRequestVoteRequest
	for _, m := range tm.sender.drain() {
		if req, ok := m.Msg.(*RPCRequestVoteRequest); ok {
			voteReq = req
		}
	}
	if voteReq == nil {
		t.Fatalf("no vote request sent")
	}

	tm.HandleMsg(voterId, &RPCRequestVoteResponse{
		Term:          voteReq.Term,
		VoteRequestId: voteReq.VoteRequestId,
		VoteGranted:   true,
	}, tm.now)

	if tm.State() != ServerStateLeader {
		t.Fatalf("expected leader state, got %q", tm.State())
	}
}

func TestSingleMemberBootstrapElection(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1), PersistentState{})

	if tm.State() != ServerStateFollower {
		t.Fatalf("expected follower state, got %q", tm.State())
	}

	tm.advance(tm.Cfg.MaxElectionTimeout + time.Millisecond)

	// A single member is its own majority
	if tm.State() != ServerStateLeader {
		t.Fatalf("expected leader state, got %q", tm.State())
	}
	if tm.CurrentTerm() != 1 {
		t.Fatalf("expected term 1, got %d", tm.CurrentTerm())
	}

	index, err := tm.Propose([]byte("hello"), tm.now)
	if err != nil {
		t.Fatalf("cannot propose: %v", err)
	}
	if index != 1 {
		t.Fatalf("expected index 1, got %d", index)
	}

	if tm.CommitIndex() != 1 {
		t.Fatalf("expected commit index 1, got %d", tm.CommitIndex())
	}
	if len(tm.applied) != 1 || string(tm.applied[0].Data) != "hello" {
		t.Fatalf("entry not applied")
	}
}

func TestThreeMemberElection(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1, 2, 3), PersistentState{})

	tm.advance(tm.Cfg.MaxElectionTimeout + time.Millisecond)

	if tm.State() != ServerStateCandidate {
		t.Fatalf("expected candidate state, got %q", tm.State())
	}
	if tm.CurrentTerm() != 1 {
		t.Fatalf("expected term 1, got %d", tm.CurrentTerm())
	}

	// Both peers must have been solicited
	var voteReqs []sentMsg
	for _, m := range tm.sender.drain() {
		if _, ok := m.Msg.(*RPCRequestVoteRequest); ok {
			voteReqs = append(voteReqs, m)
		}
	}
	if len(voteReqs) != 2 {
		t.Fatalf("expected 2 vote requests, got %d", len(voteReqs))
	}

	req := voteReqs[0].Msg.(*RPCRequestVoteRequest)

	// One vote plus our own is a majority of three
	tm.HandleMsg(2, &RPCRequestVoteResponse{
		Term:          req.Term,
		VoteRequestId: req.VoteRequestId,
		VoteGranted:   true,
	}, tm.now)

	if tm.State() != ServerStateLeader {
		t.Fatalf("expected leader state, got %q", tm.State())
	}

	// New leaders immediately assert themselves
	if len(tm.sender.appendRequests(2)) == 0 ||
		len(tm.sender.appendRequests(3)) == 0 {
		t.Fatalf("no heartbeat sent after winning the election")
	}
}

func TestStaleVoteResponseIgnored(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1, 2, 3), PersistentState{})

	tm.advance(tm.Cfg.MaxElectionTimeout + time.Millisecond)

	var req *RPCRequestVoteRequest
	for _, m := range tm.sender.drain() {
		if r, ok := m.Msg.(*RPCRequestVoteRequest); ok {
			req = r
		}
	}

	// A vote granted to a previous election round must not count
	tm.HandleMsg(2, &RPCRequestVoteResponse{
		Term:          req.Term,
		VoteRequestId: NewRequestId(),
		VoteGranted:   true,
	}, tm.now)

	if tm.State() != ServerStateCandidate {
		t.Fatalf("expected candidate state, got %q", tm.State())
	}
}

func TestElectionRetryTerms(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1, 2, 3), PersistentState{})

	tm.advance(tm.Cfg.MaxElectionTimeout + time.Millisecond)

	if tm.CurrentTerm() != 1 {
		t.Fatalf("expected term 1, got %d", tm.CurrentTerm())
	}

	// No peer answered: retrying at the same term is allowed
	tm.advance(tm.Cfg.MaxElectionTimeout + time.Millisecond)

	if tm.State() != ServerStateCandidate {
		t.Fatalf("expected candidate state, got %q", tm.State())
	}
	if tm.CurrentTerm() != 1 {
		t.Fatalf("expected term 1 after retry, got %d", tm.CurrentTerm())
	}

	// A refused vote means the term is burned
	var req *RPCRequestVoteRequest
	for _, m := range tm.sender.drain() {
		if r, ok := m.Msg.(*RPCRequestVoteRequest); ok {
			req = r
		}
	}

	tm.HandleMsg(2, &RPCRequestVoteResponse{
		Term:          req.Term,
		VoteRequestId: req.VoteRequestId,
		VoteGranted:   false,
	}, tm.now)

	tm.advance(tm.Cfg.MaxElectionTimeout + time.Millisecond)

	if tm.CurrentTerm() != 2 {
		t.Fatalf("expected term 2 after rejection, got %d", tm.CurrentTerm())
	}
}

func TestVoteGrantRules(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1, 2, 3), PersistentState{})

	vote := func(candidateId ServerId, term Term) *RPCRequestVoteResponse {
		tm.HandleMsg(candidateId, &RPCRequestVoteRequest{
			Term:          term,
			CandidateId:   candidateId,
			VoteRequestId: NewRequestId(),
		}, tm.now)

		msgs := tm.sender.drain()
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}

		return msgs[0].Msg.(*RPCRequestVoteResponse)
	}

	res := vote(2, 1)
	if !res.VoteGranted {
		t.Fatalf("vote not granted")
	}
	if res.Term != 1 {
		t.Fatalf("expected term 1, got %d", res.Term)
	}

	// One vote per term
	if res := vote(3, 1); res.VoteGranted {
		t.Fatalf("second vote granted in the same term")
	}

	// Recasting the same vote is fine
	if res := vote(2, 1); !res.VoteGranted {
		t.Fatalf("vote recast not granted")
	}

	// Stale term
	res = vote(3, 0)
	if res.VoteGranted {
		t.Fatalf("vote granted to a stale candidate")
	}
	if res.Term != 1 {
		t.Fatalf("expected term 1 in response, got %d", res.Term)
	}
}

func TestVoteLogUpToDateCheck(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1, 2, 3),
		PersistentState{CurrentTerm: 2})

	tm.log.AppendEntry(LogEntry{Index: 1, Term: 1, Data: []byte("a")})
	tm.log.AppendEntry(LogEntry{Index: 2, Term: 2, Data: []byte("b")})

	vote := func(req *RPCRequestVoteRequest) *RPCRequestVoteResponse {
		tm.HandleMsg(req.CandidateId, req, tm.now)

		msgs := tm.sender.drain()
		return msgs[len(msgs)-1].Msg.(*RPCRequestVoteResponse)
	}

	// Lower last log term
	res := vote(&RPCRequestVoteRequest{
		Term: 3, CandidateId: 2, VoteRequestId: NewRequestId(),
		LastLogIndex: 5, LastLogTerm: 1,
	})
	if res.VoteGranted {
		t.Fatalf("vote granted to a candidate with an outdated log")
	}

	// Same last log term, shorter log
	res = vote(&RPCRequestVoteRequest{
		Term: 4, CandidateId: 2, VoteRequestId: NewRequestId(),
		LastLogIndex: 1, LastLogTerm: 2,
	})
	if res.VoteGranted {
		t.Fatalf("vote granted to a candidate with a shorter log")
	}

	// At least as up-to-date
	res = vote(&RPCRequestVoteRequest{
		Term: 5, CandidateId: 2, VoteRequestId: NewRequestId(),
		LastLogIndex: 2, LastLogTerm: 2,
	})
	if !res.VoteGranted {
		t.Fatalf("vote not granted to an up-to-date candidate")
	}
}

func TestCommitRequiresQuorum(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1, 2, 3), PersistentState{})

	tm.electLeader(t, 2)
	tm.sender.drain()

	index, err := tm.Propose([]byte("a"), tm.now)
	if err != nil {
		t.Fatalf("cannot propose: %v", err)
	}

	if tm.CommitIndex() != 0 {
		t.Fatalf("entry committed without a majority")
	}

	reqs := tm.sender.appendRequests(2)
	if len(reqs) == 0 {
		t.Fatalf("no append request sent to follower 2")
	}
	req := reqs[len(reqs)-1]

	tm.HandleMsg(2, &RPCAppendEntriesResponse{
		Term:         req.Term,
		RequestId:    req.RequestId,
		Success:      true,
		LastLogIndex: index,
	}, tm.now)

	// Leader plus follower 2 is a majority of three
	if tm.CommitIndex() != index {
		t.Fatalf("expected commit index %d, got %d", index, tm.CommitIndex())
	}
	if len(tm.applied) != 1 {
		t.Fatalf("entry not applied")
	}
}

func TestCommitOnlyCurrentTermEntries(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1, 2, 3),
		PersistentState{CurrentTerm: 2})

	tm.log.AppendEntry(LogEntry{Index: 1, Term: 1, Data: []byte("old")})

	tm.electLeader(t, 2)

	// A no-op at the current term must have been appended on top of the
	// uncommitted entry from term 1.
	if tm.log.LastIndex() != 2 {
		t.Fatalf("expected a no-op entry, last index is %d", tm.log.LastIndex())
	}
	noop, _ := tm.log.Get(2)
	if len(noop.Data) != 0 {
		t.Fatalf("no-op entry carries data")
	}
	if noop.Term != tm.CurrentTerm() {
		t.Fatalf("no-op entry has term %d, expected %d",
			noop.Term, tm.CurrentTerm())
	}

	// A majority on the old entry alone does not commit it
	tm.mu.Lock()
	tm.leader.followers[2].MatchIndex = 1
	tm.advanceCommitIndex()
	tm.mu.Unlock()

	if tm.CommitIndex() != 0 {
		t.Fatalf("entry from a previous term committed by counting replicas")
	}

	// Committing the no-op carries the old entry along
	tm.mu.Lock()
	tm.leader.followers[2].MatchIndex = 2
	tm.advanceCommitIndex()
	tm.mu.Unlock()

	if tm.CommitIndex() != 2 {
		t.Fatalf("expected commit index 2, got %d", tm.CommitIndex())
	}
}

func TestFollowerAppendEntries(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1, 2, 3), PersistentState{})

	entries := []LogEntry{
		{Index: 1, Term: 1, Data: []byte("a")},
		{Index: 2, Term: 1, Data: []byte("b")},
	}

	tm.HandleMsg(2, &RPCAppendEntriesRequest{
		Term:         1,
		LeaderId:     2,
		RequestId:    NewRequestId(),
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries:      entries,
		LeaderCommit: 5,
	}, tm.now)

	msgs := tm.sender.drain()
	res := msgs[len(msgs)-1].Msg.(*RPCAppendEntriesResponse)

	if !res.Success {
		t.Fatalf("append rejected")
	}
	if res.LastLogIndex != 2 {
		t.Fatalf("expected last log index 2, got %d", res.LastLogIndex)
	}

	// The commit index is clamped to what this request validated
	if tm.CommitIndex() != 2 {
		t.Fatalf("expected commit index 2, got %d", tm.CommitIndex())
	}

	if hint := tm.LeaderHint(); hint != 2 {
		t.Fatalf("expected leader hint 2, got %d", hint)
	}
}

func TestFollowerAppendEntriesConsistencyCheck(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1, 2, 3),
		PersistentState{CurrentTerm: 1})

	tm.log.AppendEntry(LogEntry{Index: 1, Term: 1, Data: []byte("a")})

	// The leader builds on an entry we do not have: the response carries our
	// last index so it can retry from there.
	tm.HandleMsg(2, &RPCAppendEntriesRequest{
		Term:         2,
		LeaderId:     2,
		RequestId:    NewRequestId(),
		PrevLogIndex: 5,
		PrevLogTerm:  2,
	}, tm.now)

	msgs := tm.sender.drain()
	res := msgs[len(msgs)-1].Msg.(*RPCAppendEntriesResponse)
	if res.Success {
		t.Fatalf("inconsistent append accepted")
	}
	if res.LastLogIndex != 1 {
		t.Fatalf("expected hint 1, got %d", res.LastLogIndex)
	}

	// A conflicting uncommitted entry is truncated and replaced
	tm.HandleMsg(2, &RPCAppendEntriesRequest{
		Term:         2,
		LeaderId:     2,
		RequestId:    NewRequestId(),
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries: []LogEntry{
			{Index: 1, Term: 2, Data: []byte("b")},
		},
	}, tm.now)

	msgs = tm.sender.drain()
	res = msgs[len(msgs)-1].Msg.(*RPCAppendEntriesResponse)
	if !res.Success {
		t.Fatalf("append rejected")
	}

	entry, _ := tm.log.Get(1)
	if string(entry.Data) != "b" || entry.Term != 2 {
		t.Fatalf("conflicting entry not replaced")
	}
}

func TestFollowerModeTransitions(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1, 2, 3), PersistentState{})

	tm.electLeader(t, 2)
	tm.sender.drain()

	if _, err := tm.Propose([]byte("a"), tm.now); err != nil {
		t.Fatalf("cannot propose: %v", err)
	}

	progress := func() *FollowerProgress {
		tm.mu.Lock()
		defer tm.mu.Unlock()
		return tm.leader.followers[2]
	}

	if mode := progress().Mode; mode != FollowerModePessimistic {
		t.Fatalf("expected pessimistic mode, got %q", mode)
	}

	reqs := tm.sender.appendRequests(2)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 append request, got %d", len(reqs))
	}
	req := reqs[0]

	// A rejection switches to catching-up, restarting from the follower's
	// hint.
	tm.HandleMsg(2, &RPCAppendEntriesResponse{
		Term:         req.Term,
		RequestId:    req.RequestId,
		Success:      false,
		LastLogIndex: 0,
	}, tm.now)

	p := progress()
	if p.Mode != FollowerModeCatchingUp {
		t.Fatalf("expected catching-up mode, got %q", p.Mode)
	}
	if p.NextIndex != 1 {
		t.Fatalf("expected next index 1, got %d", p.NextIndex)
	}

	// An accepted request switches to live
	tm.sender.drain()
	tm.advance(minCautiousAppendInterval + time.Millisecond)

	reqs = tm.sender.appendRequests(2)
	if len(reqs) == 0 {
		t.Fatalf("no append request sent while catching up")
	}
	req = reqs[len(reqs)-1]

	tm.HandleMsg(2, &RPCAppendEntriesResponse{
		Term:         req.Term,
		RequestId:    req.RequestId,
		Success:      true,
		LastLogIndex: 1,
	}, tm.now)

	p = progress()
	if p.Mode != FollowerModeLive {
		t.Fatalf("expected live mode, got %q", p.Mode)
	}
	if p.MatchIndex != 1 {
		t.Fatalf("expected match index 1, got %d", p.MatchIndex)
	}

	// A transport failure switches back to pessimistic
	tm.sender.drain()

	if _, err := tm.Propose([]byte("b"), tm.now); err != nil {
		t.Fatalf("cannot propose: %v", err)
	}

	reqs = tm.sender.appendRequests(2)
	if len(reqs) == 0 {
		t.Fatalf("no append request sent in live mode")
	}

	tm.HandleNoResponse(2, reqs[0].RequestId, tm.now)

	if mode := progress().Mode; mode != FollowerModePessimistic {
		t.Fatalf("expected pessimistic mode, got %q", mode)
	}
}

func TestOutOfOrderResponsesDoNotRegressMatchIndex(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1, 2, 3), PersistentState{})

	tm.electLeader(t, 2)
	tm.sender.drain()

	// Bring follower 2 live
	if _, err := tm.Propose([]byte("a"), tm.now); err != nil {
		t.Fatalf("cannot propose: %v", err)
	}

	req := tm.sender.appendRequests(2)[0]
	tm.HandleMsg(2, &RPCAppendEntriesResponse{
		Term: req.Term, RequestId: req.RequestId,
		Success: true, LastLogIndex: 1,
	}, tm.now)

	tm.sender.drain()

	// Pipelined requests
	for _, data := range []string{"b", "c", "d"} {
		if _, err := tm.Propose([]byte(data), tm.now); err != nil {
			t.Fatalf("cannot propose: %v", err)
		}
	}

	reqs := tm.sender.appendRequests(2)
	if len(reqs) != 3 {
		t.Fatalf("expected 3 pipelined requests, got %d", len(reqs))
	}

	respond := func(req *RPCAppendEntriesRequest) {
		tm.HandleMsg(2, &RPCAppendEntriesResponse{
			Term:         req.Term,
			RequestId:    req.RequestId,
			Success:      true,
			LastLogIndex: req.PrevLogIndex + LogIndex(len(req.Entries)),
		}, tm.now)
	}

	// Acknowledge the last request first
	respond(reqs[2])

	matchIndex := func() LogIndex {
		tm.mu.Lock()
		defer tm.mu.Unlock()
		return tm.leader.followers[2].MatchIndex
	}

	if matchIndex() != 4 {
		t.Fatalf("expected match index 4, got %d", matchIndex())
	}

	respond(reqs[0])
	respond(reqs[1])

	if matchIndex() != 4 {
		t.Fatalf("late responses regressed the match index to %d",
			matchIndex())
	}

	if tm.CommitIndex() != 4 {
		t.Fatalf("expected commit index 4, got %d", tm.CommitIndex())
	}
}

func TestLeaderLeaseStepDown(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1, 2, 3), PersistentState{})

	tm.electLeader(t, 2)

	// Nobody acknowledges us anymore
	tm.advance(tm.Cfg.MaxElectionTimeout + time.Millisecond)

	if tm.State() != ServerStateFollower {
		t.Fatalf("leader with a stale lease did not step down, state is %q",
			tm.State())
	}
}

func TestLeaderLeaseRefresh(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1, 2, 3), PersistentState{})

	tm.electLeader(t, 2)

	// Keep acknowledging heartbeats from follower 2 while 3 stays silent:
	// two of three members is enough to keep the lease fresh.
	for i := 0; i < 10; i++ {
		tm.advance(tm.Cfg.HeartbeatInterval + time.Millisecond)

		reqs := tm.sender.appendRequests(2)
		if len(reqs) == 0 {
			t.Fatalf("no heartbeat sent to follower 2")
		}
		req := reqs[len(reqs)-1]

		tm.sender.drain()

		tm.HandleMsg(2, &RPCAppendEntriesResponse{
			Term:         req.Term,
			RequestId:    req.RequestId,
			Success:      true,
			LastLogIndex: 0,
		}, tm.now)
	}

	if tm.State() != ServerStateLeader {
		t.Fatalf("leader with a fresh lease stepped down")
	}

	if _, err := tm.ReadIndex(tm.now); err != nil {
		t.Fatalf("cannot serve a read with a fresh lease: %v", err)
	}
}

func TestObserveTermDemotesLeader(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1, 2, 3), PersistentState{})

	tm.electLeader(t, 2)

	term := tm.CurrentTerm()

	tm.HandleMsg(3, &RPCAppendEntriesResponse{
		Term:      term + 3,
		RequestId: NewRequestId(),
		Success:   false,
	}, tm.now)

	if tm.State() != ServerStateFollower {
		t.Fatalf("expected follower state, got %q", tm.State())
	}
	if tm.CurrentTerm() != term+3 {
		t.Fatalf("expected term %d, got %d", term+3, tm.CurrentTerm())
	}
}

func TestProposeOnNonLeader(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1, 2, 3), PersistentState{})

	// Learn about a leader first
	tm.HandleMsg(2, &RPCAppendEntriesRequest{
		Term:      1,
		LeaderId:  2,
		RequestId: NewRequestId(),
	}, tm.now)

	_, err := tm.Propose([]byte("a"), tm.now)

	var notLeaderErr *NotLeaderError
	if !errors.As(err, &notLeaderErr) {
		t.Fatalf("expected a NotLeaderError, got %v", err)
	}
	if notLeaderErr.LeaderHint != 2 {
		t.Fatalf("expected leader hint 2, got %d", notLeaderErr.LeaderHint)
	}
}

func TestMarkSnapshotInstalled(t *testing.T) {
	tm := newTestModule(t, 1, memberConfiguration(1, 2, 3), PersistentState{})

	tm.electLeader(t, 2)
	tm.sender.drain()

	tm.mu.Lock()
	tm.leader.followers[2].Mode = FollowerModeInstallingSnapshot
	tm.mu.Unlock()

	// Appends are suspended during the transfer
	if _, err := tm.Propose([]byte("a"), tm.now); err != nil {
		t.Fatalf("cannot propose: %v", err)
	}
	if len(tm.sender.appendRequests(2)) != 0 {
		t.Fatalf("append sent to a follower installing a snapshot")
	}

	tm.MarkSnapshotInstalled(2, 0, tm.now)

	tm.mu.Lock()
	p := tm.leader.followers[2]
	mode, nextIndex := p.Mode, p.NextIndex
	tm.mu.Unlock()

	if mode != FollowerModeLive {
		t.Fatalf("expected live mode, got %q", mode)
	}

	// Replication restarts right after the snapshot (prev index 0), and the
	// optimistic live-mode advance moves the next index past the entry sent.
	reqs := tm.sender.appendRequests(2)
	if len(reqs) == 0 {
		t.Fatalf("replication not resumed after snapshot installation")
	}
	if reqs[0].PrevLogIndex != 0 {
		t.Fatalf("expected replication to resume at prev index 0, got %d",
			reqs[0].PrevLogIndex)
	}
	if len(reqs[0].Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(reqs[0].Entries))
	}
	if nextIndex != 2 {
		t.Fatalf("expected next index 2, got %d", nextIndex)
	}
}

package raft

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/galdor/go-cluster/pkg/routing"
)

const (
	// Marks a request which has already been proxied once. Such a request is
	// always served locally: a second hop is never attempted, which makes
	// proxy loops impossible.
	ProxyMarkerHeader = "X-Raft-Proxy"

	// Carries a JSON-encoded NotLeaderError in responses produced by a
	// server which is not the leader, so that callers and proxies can learn
	// about a fresher leader.
	NotLeaderHeader = "X-Raft-Not-Leader"
)

// SetNotLeaderError attaches a NotLeaderError to a response. Handlers behind
// a LeaderServiceWrapper call it before writing their status code.
func SetNotLeaderError(header http.Header, err *NotLeaderError) {
	data, _ := json.Marshal(err)
	header.Set(NotLeaderHeader, string(data))
}

type LeaderServiceWrapperCfg struct {
	GroupId GroupId
	LocalId ServerId

	Logger Logger

	RouteStore *routing.RouteStore

	// Optional; when set, the wrapper seeds its hint from the local
	// consensus module before every routing decision.
	Module *ConsensusModule

	// The service being wrapped.
	LocalHandler http.Handler
}

// LeaderServiceWrapper makes a leader-only service transparently callable
// from any server of the group: calls landing on a non-leader are piped to
// the server currently believed to be the leader, with request and response
// bodies streamed through.
//
// A call that was already proxied once is always served locally, and a call
// that fails on the remote side is not retried: the refreshed hint only
// benefits the next call.
type LeaderServiceWrapper struct {
	Cfg LeaderServiceWrapperCfg
	Log Logger

	httpClient *http.Client

	hintMu       sync.RWMutex
	hintTerm     Term
	hintLeaderId ServerId
}

func NewLeaderServiceWrapper(cfg LeaderServiceWrapperCfg) *LeaderServiceWrapper {
	// No global timeout: proxied responses are streamed and may be long
	// lived.
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 10 * time.Second,
			}).DialContext,

			MaxIdleConns:    30,
			IdleConnTimeout: 60 * time.Second,
		},
	}

	return &LeaderServiceWrapper{
		Cfg: cfg,
		Log: cfg.Logger,

		httpClient: httpClient,
	}
}

// Hint returns the cached leader hint.
func (lw *LeaderServiceWrapper) Hint() (Term, ServerId) {
	lw.hintMu.RLock()
	defer lw.hintMu.RUnlock()

	return lw.hintTerm, lw.hintLeaderId
}

// UpdateHint replaces the cached hint if the new one is fresher: a strictly
// greater term always wins, an equal term only fills in an unset leader.
// Stale hints from old terms never clobber a fresher known leader.
func (lw *LeaderServiceWrapper) UpdateHint(term Term, leaderId ServerId) {
	lw.hintMu.RLock()
	fresher := term > lw.hintTerm ||
		(term == lw.hintTerm && lw.hintLeaderId == 0 && leaderId != 0)
	lw.hintMu.RUnlock()

	if !fresher {
		return
	}

	lw.hintMu.Lock()
	if term > lw.hintTerm || (term == lw.hintTerm && lw.hintLeaderId == 0) {
		lw.hintTerm = term
		lw.hintLeaderId = leaderId
	}
	lw.hintMu.Unlock()
}

func (lw *LeaderServiceWrapper) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get(ProxyMarkerHeader) != "" {
		lw.serveLocal(w, req)
		return
	}

	if lw.Cfg.Module != nil {
		status := lw.Cfg.Module.CurrentStatus()
		lw.UpdateHint(status.Term, status.LeaderHint)
	}

	_, leaderId := lw.Hint()

	if leaderId == 0 || leaderId == lw.Cfg.LocalId {
		// Either we believe we are the leader, or no leader is known; in
		// the latter case the local service will fail with a NotLeaderError
		// carrying whatever hint the local server has.
		lw.serveLocal(w, req)
		return
	}

	lw.proxy(w, req, leaderId)
}

func (lw *LeaderServiceWrapper) serveLocal(w http.ResponseWriter, req *http.Request) {
	lw.Cfg.LocalHandler.ServeHTTP(w, req)

	lw.updateHintFromHeader(w.Header())
}

func (lw *LeaderServiceWrapper) proxy(w http.ResponseWriter, req *http.Request, leaderId ServerId) {
	route, found := lw.Cfg.RouteStore.Lookup(lw.Cfg.GroupId, leaderId)
	if !found {
		// We cannot reach the hinted leader; the local service will at
		// least return a usable error.
		lw.Log.Debug(1, "no route to leader %d", leaderId)
		lw.serveLocal(w, req)
		return
	}

	uri := "http://" + route.Addr + req.URL.RequestURI()

	// The request body is piped end to end, never buffered
	outReq, err := http.NewRequestWithContext(req.Context(), req.Method, uri,
		req.Body)
	if err != nil {
		lw.Log.Error("cannot create proxy request: %v", err)
		http.Error(w, "cannot create proxy request", 500)
		return
	}

	outReq.Header = req.Header.Clone()
	outReq.Header.Set(ProxyMarkerHeader, "1")

	lw.Log.Debug(2, "proxying %s %s to server %d", req.Method, req.URL.Path,
		leaderId)

	res, err := lw.httpClient.Do(outReq)
	if err != nil {
		lw.Log.Error("cannot proxy request to %s: %v", route.Addr, err)
		http.Error(w, "cannot proxy request to leader", 502)
		return
	}
	defer res.Body.Close()

	// A fresher hint in the response is cached for the next call; the
	// current call is never retried against the new leader.
	lw.updateHintFromHeader(res.Header)

	header := w.Header()
	for name, values := range res.Header {
		header[name] = values
	}

	w.WriteHeader(res.StatusCode)

	if _, err := io.Copy(w, res.Body); err != nil {
		lw.Log.Debug(1, "cannot copy proxy response body: %v", err)
	}
}

func (lw *LeaderServiceWrapper) updateHintFromHeader(header http.Header) {
	value := header.Get(NotLeaderHeader)
	if value == "" {
		return
	}

	var notLeaderErr NotLeaderError
	if err := json.Unmarshal([]byte(value), &notLeaderErr); err != nil {
		lw.Log.Error("invalid %s header field: %v", NotLeaderHeader, err)
		return
	}

	lw.UpdateHint(notLeaderErr.Term, notLeaderErr.LeaderHint)
}

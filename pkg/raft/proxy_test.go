package raft

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/galdor/go-cluster/pkg/routing"
)

func newTestWrapper(t *testing.T, localHandler http.Handler, routeStore *routing.RouteStore) *LeaderServiceWrapper {
	if routeStore == nil {
		routeStore = routing.NewRouteStore()
	}

	return NewLeaderServiceWrapper(LeaderServiceWrapperCfg{
		GroupId: 1,
		LocalId: 1,

		Logger: newTestLogger(t),

		RouteStore: routeStore,

		LocalHandler: localHandler,
	})
}

func TestLeaderHintMonotonicity(t *testing.T) {
	lw := newTestWrapper(t, nil, nil)

	lw.UpdateHint(5, 2)

	// A hint from an older term never replaces a fresher one
	lw.UpdateHint(4, 3)

	term, leaderId := lw.Hint()
	if term != 5 || leaderId != 2 {
		t.Fatalf("expected hint (5, 2), got (%d, %d)", term, leaderId)
	}

	// Same term, leader already known: no change
	lw.UpdateHint(5, 9)

	if _, leaderId := lw.Hint(); leaderId != 2 {
		t.Fatalf("expected leader 2, got %d", leaderId)
	}

	// A higher term with no leader clears the hint
	lw.UpdateHint(6, 0)

	term, leaderId = lw.Hint()
	if term != 6 || leaderId != 0 {
		t.Fatalf("expected hint (6, 0), got (%d, %d)", term, leaderId)
	}

	// Same term filling in an unset leader is accepted
	lw.UpdateHint(6, 3)

	if _, leaderId := lw.Hint(); leaderId != 3 {
		t.Fatalf("expected leader 3, got %d", leaderId)
	}
}

func TestLeaderServiceWrapperServesLocally(t *testing.T) {
	var served bool

	lw := newTestWrapper(t, http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) {
			served = true
			w.WriteHeader(200)
		}), nil)

	// No hint at all: the local handler serves the request
	w := httptest.NewRecorder()
	lw.ServeHTTP(w, httptest.NewRequest("GET", "/store", nil))

	if !served {
		t.Fatalf("request not served locally")
	}

	// A request already proxied once is always served locally, whatever the
	// hint says.
	lw.UpdateHint(1, 2)

	served = false
	req := httptest.NewRequest("GET", "/store", nil)
	req.Header.Set(ProxyMarkerHeader, "1")

	w = httptest.NewRecorder()
	lw.ServeHTTP(w, req)

	if !served {
		t.Fatalf("marked request not served locally")
	}
}

func TestLeaderServiceWrapperProxies(t *testing.T) {
	var leaderSawMarker bool

	leader := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) {
			leaderSawMarker = req.Header.Get(ProxyMarkerHeader) != ""

			body, _ := io.ReadAll(req.Body)

			w.WriteHeader(200)
			w.Write([]byte("leader:" + string(body)))
		}))
	defer leader.Close()

	routeStore := routing.NewRouteStore()
	routeStore.Apply(&routing.Announcement{
		Time: time.Now(),
		Routes: []routing.Route{
			{
				GroupId:  1,
				ServerId: 2,
				Addr:     strings.TrimPrefix(leader.URL, "http://"),
				LastSeen: time.Now(),
			},
		},
	})

	lw := newTestWrapper(t, http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) {
			t.Errorf("request served locally instead of proxied")
		}), routeStore)

	lw.UpdateHint(1, 2)

	w := httptest.NewRecorder()
	lw.ServeHTTP(w, httptest.NewRequest("POST", "/store-op",
		strings.NewReader("payload")))

	if w.Code != 200 {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if body := w.Body.String(); body != "leader:payload" {
		t.Fatalf("unexpected response body %q", body)
	}
	if !leaderSawMarker {
		t.Fatalf("proxied request does not carry the proxy marker")
	}
}

func TestLeaderServiceWrapperLearnsFromResponses(t *testing.T) {
	// The remote server is not the leader anymore and says so
	remote := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) {
			SetNotLeaderError(w.Header(), &NotLeaderError{
				Term:       7,
				LeaderHint: 3,
			})
			http.Error(w, "not the leader", http.StatusMisdirectedRequest)
		}))
	defer remote.Close()

	routeStore := routing.NewRouteStore()
	routeStore.Apply(&routing.Announcement{
		Time: time.Now(),
		Routes: []routing.Route{
			{
				GroupId:  1,
				ServerId: 2,
				Addr:     strings.TrimPrefix(remote.URL, "http://"),
				LastSeen: time.Now(),
			},
		},
	})

	lw := newTestWrapper(t, http.NotFoundHandler(), routeStore)

	lw.UpdateHint(1, 2)

	w := httptest.NewRecorder()
	lw.ServeHTTP(w, httptest.NewRequest("GET", "/store", nil))

	// The failed call is not retried against the new leader, but the hint is
	// refreshed for the next one.
	if w.Code != http.StatusMisdirectedRequest {
		t.Fatalf("expected status %d, got %d",
			http.StatusMisdirectedRequest, w.Code)
	}

	term, leaderId := lw.Hint()
	if term != 7 || leaderId != 3 {
		t.Fatalf("expected hint (7, 3), got (%d, %d)", term, leaderId)
	}
}

func TestLeaderServiceWrapperLearnsFromLocalService(t *testing.T) {
	lw := newTestWrapper(t, http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) {
			SetNotLeaderError(w.Header(), &NotLeaderError{
				Term:       2,
				LeaderHint: 4,
			})
			http.Error(w, "not the leader", http.StatusMisdirectedRequest)
		}), nil)

	w := httptest.NewRecorder()
	lw.ServeHTTP(w, httptest.NewRequest("GET", "/store", nil))

	term, leaderId := lw.Hint()
	if term != 2 || leaderId != 4 {
		t.Fatalf("expected hint (2, 4), got (%d, %d)", term, leaderId)
	}
}

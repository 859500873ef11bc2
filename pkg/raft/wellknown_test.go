package raft

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/galdor/go-cluster/pkg/routing"
)

// newWellKnownFixture builds a route store where the local server 1 knows
// peers 2 and 3 of group 1, and where the peers listed in ackedBy have
// acknowledged our route.
func newWellKnownFixture(ackedBy ...routing.ServerId) *routing.RouteStore {
	now := time.Now()

	routeStore := routing.NewRouteStore()
	routeStore.SetLocalRoute(routing.Route{
		GroupId:  1,
		ServerId: 1,
		Addr:     "localhost:4000",
		LastSeen: now,
	})

	for _, id := range []routing.ServerId{2, 3} {
		routeStore.Apply(&routing.Announcement{
			Time: now,
			Routes: []routing.Route{
				{
					GroupId: 1, ServerId: id,
					Addr:     "localhost:4001",
					LastSeen: now, IsLocalRoute: true,
				},
			},
		})
	}

	for _, id := range ackedBy {
		routeStore.Apply(&routing.Announcement{
			Time: now,
			Routes: []routing.Route{
				{
					GroupId: 1, ServerId: id,
					Addr:     "localhost:4001",
					LastSeen: now.Add(time.Millisecond), IsLocalRoute: true,
				},
				{
					GroupId: 1, ServerId: 1,
					Addr:     "localhost:4000",
					LastSeen: now,
				},
			},
		})
	}

	return routeStore
}

// fetchStatusFromLeader simulates a cluster whose leader is server 2: server
// 3 answers with a hint, server 2 with a leader status.
func fetchStatusFromLeader(t *testing.T) func(context.Context, ServerId) (*Status, error) {
	cfg := memberConfiguration(1, 2, 3)

	return func(ctx context.Context, id ServerId) (*Status, error) {
		status := &Status{
			Id:            id,
			GroupId:       1,
			Term:          3,
			LeaderHint:    2,
			Configuration: cfg,
		}

		if id == 2 {
			status.State = ServerStateLeader
		} else {
			status.State = ServerStateFollower
		}

		return status, nil
	}
}

func newTestChecker(t *testing.T, routeStore *routing.RouteStore) *WellKnownChecker {
	return NewWellKnownChecker(WellKnownCheckerCfg{
		GroupId: 1,

		Logger: newTestLogger(t),

		RouteStore: routeStore,

		FetchStatus: fetchStatusFromLeader(t),
	})
}

func TestWellKnownCheckerSuccess(t *testing.T) {
	// Leader 2 and us: two of three members, and the leader knows us
	checker := newTestChecker(t, newWellKnownFixture(2))

	wellKnown, err := checker.CheckOnce(context.Background())
	if err != nil {
		t.Fatalf("cannot check: %v", err)
	}
	if !wellKnown {
		t.Fatalf("expected to be well known")
	}
}

func TestWellKnownCheckerLeaderMustKnowUs(t *testing.T) {
	// Server 3 knows us but the leader does not: a submitted command could
	// not reach us back, so we are not well known yet.
	checker := newTestChecker(t, newWellKnownFixture(3))

	wellKnown, err := checker.CheckOnce(context.Background())
	if err != nil {
		t.Fatalf("cannot check: %v", err)
	}
	if wellKnown {
		t.Fatalf("expected not to be well known")
	}
}

func TestWellKnownCheckerNoAcknowledgement(t *testing.T) {
	checker := newTestChecker(t, newWellKnownFixture())

	wellKnown, err := checker.CheckOnce(context.Background())
	if err != nil {
		t.Fatalf("cannot check: %v", err)
	}
	if wellKnown {
		t.Fatalf("expected not to be well known")
	}
}

func TestWellKnownCheckerNoPeers(t *testing.T) {
	routeStore := routing.NewRouteStore()
	routeStore.SetLocalRoute(routing.Route{
		GroupId:  1,
		ServerId: 1,
		Addr:     "localhost:4000",
		LastSeen: time.Now(),
	})

	checker := newTestChecker(t, routeStore)

	wellKnown, err := checker.CheckOnce(context.Background())
	if err != nil {
		t.Fatalf("cannot check: %v", err)
	}
	if wellKnown {
		t.Fatalf("cannot be well known without peers")
	}
}

func TestWellKnownCheckerWait(t *testing.T) {
	checker := newTestChecker(t, newWellKnownFixture(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checker.Wait(ctx); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := newExponentialBackoff(rand.New(rand.NewSource(0)))
	b.jitter = 1

	now := time.Now()

	expected := []time.Duration{
		time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		8 * time.Millisecond,
	}

	for i, expectedDelay := range expected {
		delay := b.Next(now)
		if delay < expectedDelay || delay >= expectedDelay+time.Millisecond {
			t.Fatalf("attempt %d: expected delay around %v, got %v",
				i, expectedDelay, delay)
		}

		now = now.Add(delay)
	}

	// The delay never exceeds the cap
	for i := 0; i < 20; i++ {
		delay := b.Next(now)
		if delay > b.maxDelay+b.jitter {
			t.Fatalf("delay %v exceeds the cap", delay)
		}
		now = now.Add(time.Millisecond)
	}

	// A long quiet period resets the progression
	now = now.Add(b.cooldown + time.Second)

	delay := b.Next(now)
	if delay >= 2*time.Millisecond {
		t.Fatalf("expected the progression to reset, got %v", delay)
	}
}

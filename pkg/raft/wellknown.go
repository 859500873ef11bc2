package raft

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/galdor/go-cluster/pkg/routing"
	"github.com/go-errors/errors"
)

// A route acknowledgement older than this no longer counts as proof that the
// remote server knows us.
const RouteAckExpiration = 5 * time.Second

type WellKnownCheckerCfg struct {
	GroupId GroupId

	Logger Logger

	RouteStore *routing.RouteStore

	// Optional; defaults to an HTTP request to the status endpoint of the
	// server, resolved through the route store.
	FetchStatus func(ctx context.Context, id ServerId) (*Status, error)
}

// WellKnownChecker gates startup on cluster visibility: it repeatedly probes
// the group until the current leader and a majority of the members have
// recently acknowledged our local route. Before that point, commands
// submitted by this server would be rejected or silently lost during the
// join, so callers block on Wait before serving traffic.
type WellKnownChecker struct {
	Cfg WellKnownCheckerCfg
	Log Logger

	httpClient    *http.Client
	randGenerator *rand.Rand
}

func NewWellKnownChecker(cfg WellKnownCheckerCfg) *WellKnownChecker {
	c := &WellKnownChecker{
		Cfg: cfg,
		Log: cfg.Logger,

		httpClient: &http.Client{
			Timeout: time.Second,
		},

		randGenerator: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if c.Cfg.FetchStatus == nil {
		c.Cfg.FetchStatus = c.fetchStatus
	}

	return c
}

// Wait blocks until the local server is well known or the context is
// cancelled. Failed attempts are retried with exponential backoff.
func (c *WellKnownChecker) Wait(ctx context.Context) error {
	backoff := newExponentialBackoff(c.randGenerator)

	for {
		wellKnown, err := c.CheckOnce(ctx)
		if err != nil {
			c.Log.Debug(1, "cannot check visibility: %v", err)
		} else if wellKnown {
			c.Log.Info("server is well known")
			return nil
		}

		delay := backoff.Next(time.Now())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// CheckOnce performs a single visibility check. It returns false without an
// error when the cluster simply does not know us yet.
func (c *WellKnownChecker) CheckOnce(ctx context.Context) (bool, error) {
	localRoute, found := c.Cfg.RouteStore.LocalRoute()
	if !found {
		return false, nil
	}

	serverIds := c.Cfg.RouteStore.RemoteServers(c.Cfg.GroupId)
	if len(serverIds) == 0 {
		return false, nil
	}

	// Any reachable server will do as a starting point; we follow its
	// leader hint if it is not the leader itself.
	ids := make([]ServerId, 0, len(serverIds))
	for id := range serverIds {
		ids = append(ids, id)
	}
	probedId := ids[c.randGenerator.Intn(len(ids))]

	status, err := c.Cfg.FetchStatus(ctx, probedId)
	if err != nil {
		return false, errors.Errorf("cannot fetch status of server %d: %v",
			probedId, err)
	}

	if status.State != ServerStateLeader {
		if status.LeaderHint == 0 {
			return false, errors.Errorf("server %d does not know the leader",
				probedId)
		}

		leaderId := status.LeaderHint

		status, err = c.Cfg.FetchStatus(ctx, leaderId)
		if err != nil {
			return false, errors.Errorf("cannot fetch status of server %d: %v",
				leaderId, err)
		}

		if status.State != ServerStateLeader {
			return false, errors.Errorf("server %d is not the leader anymore",
				leaderId)
		}
	}

	now := time.Now()

	var nbMembers, nbMembersKnowingUs int
	leaderKnowsUs := false

	for id, role := range status.Configuration.Servers {
		knowsUs := false

		if id == localRoute.ServerId {
			knowsUs = true
		} else {
			ackTime, found := c.Cfg.RouteStore.LookupLastAckTime(c.Cfg.GroupId,
				id)
			if found && !ackTime.IsZero() &&
				ackTime.Add(RouteAckExpiration).After(now) {
				knowsUs = true
			}
		}

		if role == ServerRoleMember {
			nbMembers++
			if knowsUs {
				nbMembersKnowingUs++
			}
		}

		if id == status.Id && knowsUs {
			leaderKnowsUs = true
		}
	}

	if !leaderKnowsUs {
		return false, nil
	}

	return nbMembersKnowingUs >= nbMembers/2+1, nil
}

func (c *WellKnownChecker) fetchStatus(ctx context.Context, id ServerId) (*Status, error) {
	route, found := c.Cfg.RouteStore.Lookup(c.Cfg.GroupId, id)
	if !found {
		return nil, errors.Errorf("no route to server %d", id)
	}

	uri := "http://" + route.Addr + "/status"

	req, err := http.NewRequestWithContext(ctx, "GET", uri, nil)
	if err != nil {
		return nil, errors.Errorf("cannot create request: %v", err)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != 200 {
		return nil, errors.Errorf("request failed with status %d",
			res.StatusCode)
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Errorf("cannot read response body: %v", err)
	}

	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, errors.Errorf("cannot decode status: %v", err)
	}

	return &status, nil
}

// exponentialBackoff doubles its delay on each attempt up to a cap, with a
// small random jitter to spread concurrent retries. A quiet period longer
// than the cooldown resets the progression.
type exponentialBackoff struct {
	baseDelay     time.Duration
	jitter        time.Duration
	maxDelay      time.Duration
	cooldown      time.Duration
	randGenerator *rand.Rand

	attempts    int
	lastAttempt time.Time
}

func newExponentialBackoff(randGenerator *rand.Rand) *exponentialBackoff {
	return &exponentialBackoff{
		baseDelay:     time.Millisecond,
		jitter:        4 * time.Millisecond,
		maxDelay:      2 * time.Second,
		cooldown:      10 * time.Second,
		randGenerator: randGenerator,
	}
}

func (b *exponentialBackoff) Next(now time.Time) time.Duration {
	if !b.lastAttempt.IsZero() && now.Sub(b.lastAttempt) >= b.cooldown {
		b.attempts = 0
	}

	b.lastAttempt = now

	delay := b.baseDelay << b.attempts
	if delay <= 0 || delay > b.maxDelay {
		delay = b.maxDelay
	} else {
		b.attempts++
	}

	delay += time.Duration(b.randGenerator.Int63n(int64(b.jitter)))

	return delay
}

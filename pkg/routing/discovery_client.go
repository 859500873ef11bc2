package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-errors/errors"
)

// Time between announcement exchanges with each individual peer address.
const ServerPollRate = 2 * time.Second

// Interval at which to re-check whether any address should be re-polled.
const discoveryCyclePeriod = time.Second

// Servers may frequently be offline; a single unreachable address must not
// stall a cycle for longer than this.
const announceTimeout = time.Second

type DiscoveryClientCfg struct {
	// Addresses of servers to poll even when no route to them is known, e.g.
	// "http://localhost:8081".
	Seeds []string

	// If true, send our full route table to seed servers and additionally
	// poll all servers currently known to the route store.
	ActiveBroadcaster bool
}

// DiscoveryClient converges the local route table to reflect the full
// cluster, even across network segments that multicast does not reach, by
// periodically exchanging announcements with seed addresses and already
// discovered peers.
//
// There is no per-address retry backoff at this layer: the fixed poll rate
// ceiling is the backoff.
type DiscoveryClient struct {
	Cfg DiscoveryClientCfg
	Log Logger

	routeStore *RouteStore
	httpClient *http.Client

	addrStates map[string]*addrState
}

type addrState struct {
	// Last time we tried sending a request to this address.
	lastSendAttempt time.Time
}

func NewDiscoveryClient(cfg DiscoveryClientCfg, routeStore *RouteStore, logger Logger) *DiscoveryClient {
	return &DiscoveryClient{
		Cfg: cfg,
		Log: logger,

		routeStore: routeStore,
		httpClient: &http.Client{Timeout: announceTimeout},

		addrStates: make(map[string]*addrState),
	}
}

// Run polls eligible addresses until the context is cancelled.
func (dc *DiscoveryClient) Run(ctx context.Context) error {
	for {
		addrs := dc.selectAddrs()

		if len(addrs) == 0 {
			waitChan := dc.routeStore.Wait()

			select {
			case <-ctx.Done():
				return nil

			case <-waitChan:
				// Rough batching: servers tend to contact us all at once
				// right after receiving one of our multicast datagrams.
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(10 * time.Millisecond):
				}

			case <-time.After(discoveryCyclePeriod):
			}

			continue
		}

		var an Announcement
		if dc.Cfg.ActiveBroadcaster {
			an = dc.routeStore.Serialize()
		}

		var wg sync.WaitGroup
		for _, addr := range addrs {
			wg.Add(1)

			go func(addr string) {
				defer wg.Done()

				if err := dc.callServer(ctx, addr, &an); err != nil {
					dc.Log.Debug(1, "cannot announce to %s: %v", addr, err)
				}
			}(addr)
		}
		wg.Wait()

		// Record the attempt time after completion so that slow requests do
		// not shorten the effective poll interval.
		now := time.Now()
		for _, addr := range addrs {
			dc.addrStates[addr].lastSendAttempt = now
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// selectAddrs computes the union of seed addresses and known peer addresses,
// filtered down to those eligible for a new attempt. Address states for
// addresses that are no longer candidates are garbage collected.
func (dc *DiscoveryClient) selectAddrs() []string {
	now := time.Now()

	newStates := make(map[string]*addrState)
	var selected []string

	maybeSelectAddr := func(addr string) {
		if _, found := newStates[addr]; found {
			return
		}

		if state, found := dc.addrStates[addr]; found {
			newStates[addr] = state

			if state.lastSendAttempt.Add(ServerPollRate).After(now) {
				return
			}
		} else {
			newStates[addr] = &addrState{}
		}

		selected = append(selected, addr)
	}

	for _, addr := range dc.Cfg.Seeds {
		maybeSelectAddr(addr)
	}

	if dc.Cfg.ActiveBroadcaster {
		for _, addr := range dc.routeStore.RemoteAddrs() {
			maybeSelectAddr("http://" + addr)
		}
	}

	dc.addrStates = newStates

	return selected
}

// callServer performs one announcement exchange: it sends our announcement
// and merges the full route table returned by the remote server.
func (dc *DiscoveryClient) callServer(ctx context.Context, addr string, an *Announcement) error {
	reqBody, err := json.Marshal(an)
	if err != nil {
		return errors.WrapPrefix(err, "cannot encode announcement", 0)
	}

	ctx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()

	uri := addr + "/announce"

	req, err := http.NewRequestWithContext(ctx, "POST", uri,
		bytes.NewReader(reqBody))
	if err != nil {
		return errors.WrapPrefix(err, "cannot create request", 0)
	}

	req.Header.Set("Content-Type", "application/json")

	res, err := dc.httpClient.Do(req)
	if err != nil {
		return errors.WrapPrefix(err, "cannot send request", 0)
	}
	defer res.Body.Close()

	if res.StatusCode != 200 {
		return fmt.Errorf("request failed with status %d", res.StatusCode)
	}

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.WrapPrefix(err, "cannot read response", 0)
	}

	var resAn Announcement
	if err := json.Unmarshal(resBody, &resAn); err != nil {
		return errors.WrapPrefix(err, "cannot decode response", 0)
	}

	dc.routeStore.Apply(&resAn)

	return nil
}

package routing

import (
	"sync"
	"time"
)

// Amount of time after which a route is considered stale and no longer
// usable, measured from the time the origin server announced it.
const RouteExpirationDuration = 10 * time.Second

type routeKey struct {
	GroupId  GroupId
	ServerId ServerId
}

type peerState struct {
	route Route

	// Last time we received an acknowledgement that this peer knows the
	// local server exists at the current local route. Zero if never.
	lastAcknowledgedUs time.Time
}

// RouteStore is the shared table of all server-to-server routing information
// known by the local server. All methods are safe for concurrent use.
//
// The local route, once set, is authoritative: announcements for the same
// (group, server) pair never overwrite it.
type RouteStore struct {
	mu       sync.Mutex
	peers    map[routeKey]*peerState
	local    *Route
	waitChan chan struct{}

	nowFunc func() time.Time
}

func NewRouteStore() *RouteStore {
	return &RouteStore{
		peers:    make(map[routeKey]*peerState),
		waitChan: make(chan struct{}),

		nowFunc: time.Now,
	}
}

// SetLocalRoute replaces the route describing the local server. Any remote
// entry for the same key is discarded, and all acknowledgement times are
// cleared since they referred to the previous local route.
func (s *RouteStore) SetLocalRoute(route Route) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.peers, routeKey{route.GroupId, route.ServerId})

	s.local = &route

	for _, peer := range s.peers {
		peer.lastAcknowledgedUs = time.Time{}
	}

	s.notifyAll()
}

func (s *RouteStore) LocalRoute() (Route, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local == nil {
		return Route{}, false
	}

	return *s.local, true
}

func (s *RouteStore) Lookup(groupId GroupId, serverId ServerId) (Route, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, found := s.peers[routeKey{groupId, serverId}]
	if !found {
		return Route{}, false
	}

	return peer.route, true
}

// LookupLastAckTime returns the last time the identified peer acknowledged
// the local route. The second value is false if the peer is unknown; a zero
// time means the peer is known but has never acknowledged us.
func (s *RouteStore) LookupLastAckTime(groupId GroupId, serverId ServerId) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, found := s.peers[routeKey{groupId, serverId}]
	if !found {
		return time.Time{}, false
	}

	return peer.lastAcknowledgedUs, true
}

func (s *RouteStore) RemoteServers(groupId GroupId) map[ServerId]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	servers := make(map[ServerId]struct{})

	for key := range s.peers {
		if key.GroupId != groupId {
			continue
		}

		servers[key.ServerId] = struct{}{}
	}

	return servers
}

func (s *RouteStore) RemoteGroups() map[GroupId]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make(map[GroupId]struct{})

	for key := range s.peers {
		groups[key.GroupId] = struct{}{}
	}

	return groups
}

// RemoteAddrs returns the addresses of all currently known peers.
func (s *RouteStore) RemoteAddrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]string, 0, len(s.peers))

	for _, peer := range s.peers {
		addrs = append(addrs, peer.route.Addr)
	}

	return addrs
}

// Serialize produces an announcement carrying the full route table, local
// route first.
func (s *RouteStore) Serialize() Announcement {
	s.mu.Lock()
	defer s.mu.Unlock()

	an := s.serializeLocalOnly()

	for _, peer := range s.peers {
		route := peer.route
		route.IsLocalRoute = false
		an.Routes = append(an.Routes, route)
	}

	return an
}

// SerializeLocalOnly produces an announcement carrying only the local route,
// small enough for bandwidth-limited transports such as multicast.
func (s *RouteStore) SerializeLocalOnly() Announcement {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.serializeLocalOnly()
}

func (s *RouteStore) serializeLocalOnly() Announcement {
	now := s.nowFunc()

	an := Announcement{Time: now}

	if s.local != nil {
		route := *s.local
		route.LastSeen = now
		route.IsLocalRoute = true
		an.Routes = append(an.Routes, route)
	}

	return an
}

// Apply merges an announcement into the table. A remote route is accepted
// iff it does not conflict with the local route and is fresher than the
// stored one (last-seen-wins). Expired routes are garbage collected. Waiters
// are woken if anything changed.
func (s *RouteStore) Apply(an *Announcement) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false

	now := s.nowFunc()
	timeHorizon := now.Add(-RouteExpirationDuration)

	// Never trust a remote clock running ahead of ours.
	sendTime := an.Time
	if sendTime.After(now) {
		sendTime = now
	}

	// Identity of the server that created this announcement.
	var producerKey *routeKey
	producerKnowsUs := false

	for i := range an.Routes {
		newRoute := an.Routes[i]
		newKey := routeKey{newRoute.GroupId, newRoute.ServerId}

		if s.local != nil {
			localKey := routeKey{s.local.GroupId, s.local.ServerId}
			if localKey == newKey {
				if s.local.Addr == newRoute.Addr {
					producerKnowsUs = true
				}

				// The local route is authoritative
				continue
			}
		}

		if newRoute.IsLocalRoute {
			key := newKey
			producerKey = &key
		}

		// Only accept the new route if it is fresher than the existing one,
		// freshness being defined by when the origin server broadcast it.
		shouldInsert := true
		if peer, found := s.peers[newKey]; found {
			shouldInsert = newRoute.LastSeen.After(peer.route.LastSeen)
		}

		if shouldInsert && !newRoute.LastSeen.Before(timeHorizon) {
			// Refreshing a route must not discard the acknowledgement time of
			// the peer.
			if peer, found := s.peers[newKey]; found {
				peer.route = newRoute
			} else {
				s.peers[newKey] = &peerState{route: newRoute}
			}
			changed = true
		}
	}

	if producerKey != nil && producerKnowsUs {
		if peer, found := s.peers[*producerKey]; found {
			peer.lastAcknowledgedUs = sendTime
			changed = true
		}
	}

	for key, peer := range s.peers {
		if peer.route.LastSeen.Before(timeHorizon) {
			delete(s.peers, key)
			changed = true
		}
	}

	if changed {
		s.notifyAll()
	}
}

// Wait returns a channel which is closed the next time the table changes.
func (s *RouteStore) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.waitChan
}

func (s *RouteStore) notifyAll() {
	close(s.waitChan)
	s.waitChan = make(chan struct{})
}

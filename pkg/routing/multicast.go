package routing

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/go-errors/errors"
)

// Time between attempts to broadcast the local server's routing information
// to other peers.
const BroadcastInterval = 2 * time.Second

// Interval at which the broadcast loop re-checks whether it should send.
const multicastCycleInterval = 500 * time.Millisecond

// Maximum size of a discovery datagram. Announcements are never truncated;
// an oversized announcement is a hard error.
const MaxPacketSize = 512

// Address/port pair used exclusively for multicast discovery.
var multicastGroupAddr = &net.UDPAddr{
	IP:   net.IPv4(224, 0, 0, 28),
	Port: 8181,
}

// DiscoveryMulticast finds peers on the same broadcast domain by
// periodically announcing the local route over UDP multicast and ingesting
// announcements broadcast by other servers.
//
// Datagrams are size limited, so only the local route is ever broadcast; a
// complete route table must be obtained from a DiscoveryClient exchange with
// a server that has already listened for a while.
type DiscoveryMulticast struct {
	Log Logger

	routeStore *RouteStore
	conn       *net.UDPConn
}

func NewDiscoveryMulticast(routeStore *RouteStore, logger Logger) (*DiscoveryMulticast, error) {
	// ListenMulticastUDP sets SO_REUSEADDR and joins the group, which allows
	// running multiple servers on the same machine.
	conn, err := net.ListenMulticastUDP("udp4", nil, multicastGroupAddr)
	if err != nil {
		return nil, errors.WrapPrefix(err, "cannot listen on multicast group", 0)
	}

	dm := &DiscoveryMulticast{
		Log: logger,

		routeStore: routeStore,
		conn:       conn,
	}

	return dm, nil
}

// Run executes the broadcast and receive loops until the context is
// cancelled or one of the loops fails.
func (dm *DiscoveryMulticast) Run(ctx context.Context) error {
	defer dm.conn.Close()

	errChan := make(chan error, 2)

	go func() {
		errChan <- dm.runClient(ctx)
	}()

	go func() {
		errChan <- dm.runServer(ctx)
	}()

	select {
	case <-ctx.Done():
		// Unblock the pending read in the server loop
		dm.conn.Close()
		return nil

	case err := <-errChan:
		return err
	}
}

// runClient periodically broadcasts the local route. It also broadcasts
// immediately when the local route changes, without waiting for the full
// interval.
func (dm *DiscoveryMulticast) runClient(ctx context.Context) error {
	var lastSendTime time.Time
	var lastLocalRoute *Route

	for {
		now := time.Now()

		an := dm.routeStore.SerializeLocalOnly()

		timeElapsed := lastSendTime.IsZero() ||
			!lastSendTime.Add(BroadcastInterval).After(now)

		localRoute, hasLocalRoute := dm.routeStore.LocalRoute()

		dataStale := hasLocalRoute != (lastLocalRoute != nil) ||
			(hasLocalRoute && *lastLocalRoute != localRoute)

		if hasLocalRoute {
			lastLocalRoute = &localRoute
		} else {
			lastLocalRoute = nil
		}

		if len(an.Routes) > 0 && (timeElapsed || dataStale) {
			if err := dm.send(&an); err != nil {
				return err
			}

			lastSendTime = time.Now()
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-dm.routeStore.Wait():
		case <-time.After(multicastCycleInterval):
		}
	}
}

func (dm *DiscoveryMulticast) runClientOnce() error {
	an := dm.routeStore.SerializeLocalOnly()
	if len(an.Routes) == 0 {
		return nil
	}

	return dm.send(&an)
}

func (dm *DiscoveryMulticast) send(an *Announcement) error {
	data, err := json.Marshal(an)
	if err != nil {
		return errors.WrapPrefix(err, "cannot encode announcement", 0)
	}

	if len(data) > MaxPacketSize {
		return errors.Errorf("announcement too large (%d bytes)", len(data))
	}

	dm.Log.Debug(2, "broadcasting %d routes", len(an.Routes))

	if _, err := dm.conn.WriteToUDP(data, multicastGroupAddr); err != nil {
		return errors.WrapPrefix(err, "cannot send datagram", 0)
	}

	return nil
}

// runServer ingests announcements broadcast by other servers. Multicast is
// best effort and unauthenticated: datagrams that cannot be decoded are
// logged and discarded.
func (dm *DiscoveryMulticast) runServer(ctx context.Context) error {
	for {
		if err := dm.runServerOnce(); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}
	}
}

func (dm *DiscoveryMulticast) runServerOnce() error {
	buf := make([]byte, MaxPacketSize)

	n, addr, err := dm.conn.ReadFromUDP(buf)
	if err != nil {
		return errors.WrapPrefix(err, "cannot read datagram", 0)
	}

	var an Announcement
	if err := json.Unmarshal(buf[:n], &an); err != nil {
		dm.Log.Error("invalid announcement from %v: %v", addr, err)
		return nil
	}

	dm.routeStore.Apply(&an)

	return nil
}

// Package routing maintains the table of server locations for a cluster and
// keeps it up to date using UDP multicast announcements and periodic
// announcement exchanges with known peers.
package routing

import (
	"fmt"
	"time"
)

type GroupId uint64

type ServerId uint64

// Route associates a server in a replication group with the network address
// it can be reached at. LastSeen is the time at which the origin server
// announced the route; it defines freshness when merging announcements.
type Route struct {
	GroupId  GroupId   `json:"groupId"`
	ServerId ServerId  `json:"serverId"`
	Addr     string    `json:"addr"`
	LastSeen time.Time `json:"lastSeen"`

	// True if this route was produced by the server it describes.
	IsLocalRoute bool `json:"isLocalRoute,omitempty"`
}

func (r *Route) String() string {
	return fmt.Sprintf("Route{group: %d, server: %d, addr: %q}",
		r.GroupId, r.ServerId, r.Addr)
}

// Announcement is a batch of routes exchanged between servers, either as a
// multicast datagram or as the body of an Announce call.
type Announcement struct {
	Time   time.Time `json:"time"`
	Routes []Route   `json:"routes"`
}

type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}

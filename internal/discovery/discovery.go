// Package discovery announces a collabd node on the local network over
// mDNS and browses for its peers.
package discovery

import (
	"context"
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const domain = "local."

// Peer is a node found while browsing.
type Peer struct {
	Instance string
	Host     string
	Port     int
}

// Announcement is a registered mDNS service.
type Announcement struct {
	server *zeroconf.Server
}

// InstanceName returns the announced instance name for this host.
func InstanceName(instance string) string {
	if instance != "" {
		return instance
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("CollabText-%s", host)
}

// Announce registers service on port. nodeID is published in the TXT
// record so peers can match leases to nodes.
func Announce(instance, service string, port int, nodeID string) (*Announcement, error) {
	server, err := zeroconf.Register(InstanceName(instance), service, domain, port,
		[]string{"txtv=1", "node=" + nodeID}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "register mdns service failed")
	}
	return &Announcement{server: server}, nil
}

// Shutdown withdraws the announcement.
func (a *Announcement) Shutdown() {
	a.server.Shutdown()
}

// Browse reports peers offering service until ctx is done.
func Browse(ctx context.Context, service string, log logrus.FieldLogger, found func(Peer)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return errors.Wrap(err, "create mdns resolver failed")
	}
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			p := Peer{Instance: entry.Instance, Host: entry.HostName, Port: entry.Port}
			if len(entry.AddrIPv4) > 0 {
				p.Host = entry.AddrIPv4[0].String()
			}
			log.WithFields(logrus.Fields{"instance": p.Instance, "host": p.Host, "port": p.Port}).Debug("peer discovered")
			found(p)
		}
	}()
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return errors.Wrap(err, "browse mdns services failed")
	}
	<-ctx.Done()
	return nil
}

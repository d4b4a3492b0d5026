package discovery

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsService      = "_pydrop._tcp"
	mdnsDomain       = "local."
	mdnsBrowseWindow = 3 * time.Second
	mdnsBrowseEvery  = 15 * time.Second
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// mdnsAgent advertises this device over mDNS and browses for peers, for
// networks that filter broadcast datagrams. Sightings share the broadcast
// path into the registry.
type mdnsAgent struct {
	server *zeroconf.Server
}

func (a *mdnsAgent) shutdown() {
	if a.server != nil {
		a.server.Shutdown()
	}
}

func (s *Service) startMDNS() (*mdnsAgent, error) {
	agent := &mdnsAgent{}
	if !s.cfg.ListenOnly {
		txt := []string{"id=" + s.cfg.DeviceID, "name=" + s.cfg.DeviceName}
		server, err := zeroconf.Register(s.cfg.DeviceID, mdnsService, mdnsDomain, s.cfg.HTTPPort, txt, nil)
		if err != nil {
			return nil, err
		}
		agent.server = server
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		agent.shutdown()
		return nil, err
	}

	s.wg.Add(1)
	go s.browseLoop(resolver.Browse)
	return agent, nil
}

func (s *Service) browseLoop(browse browseFunc) {
	defer s.wg.Done()

	ticker := time.NewTicker(mdnsBrowseEvery)
	defer ticker.Stop()

	for {
		s.browseOnce(browse, mdnsBrowseWindow)
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) browseOnce(browse browseFunc, window time.Duration) {
	ctx, cancel := context.WithTimeout(s.ctx, window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := browse(ctx, mdnsService, mdnsDomain, entries); err != nil {
		log.Printf("[WARN] discovery: mDNS browse failed: %v", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			msg, ip, ok := parseEntry(entry)
			if !ok {
				continue
			}
			s.observe(msg, ip)
		}
	}
}

// parseEntry turns an mDNS record into an announce. The first IPv4 address
// of the record stands in for the observed sender.
func parseEntry(entry *zeroconf.ServiceEntry) (Message, string, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 {
		return Message{}, "", false
	}

	txt := make(map[string]string, len(entry.Text))
	for _, kv := range entry.Text {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		txt[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	id := txt["id"]
	if id == "" {
		return Message{}, "", false
	}
	if entry.Port < 1 || entry.Port > 65535 {
		return Message{}, "", false
	}

	name := txt["name"]
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}

	msg := NewMessage(id, name, entry.Port)
	// Same validation as the broadcast path.
	if _, err := Parse([]byte(msg.String())); err != nil {
		log.Printf("[DISCOVERY] Dropped mDNS entry %s: %v", strconv.Quote(entry.Instance), err)
		return Message{}, "", false
	}
	return msg, entry.AddrIPv4[0].String(), true
}

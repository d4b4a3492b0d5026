package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"landrop/internal/events"
	"landrop/internal/models"
	"landrop/internal/registry"
	"landrop/pkg/utils"
)

const (
	// DefaultPort is the well-known UDP port shared by announcer and listener.
	DefaultPort        = 8766
	DefaultInterval    = 3 * time.Second
	DefaultReadTimeout = 2 * time.Second
	DefaultBurstCount  = 3
	DefaultBurstGap    = 50 * time.Millisecond

	maxDatagramSize = 2048
)

var errNotStarted = errors.New("discovery is not started")

type Config struct {
	DeviceID   string
	DeviceName string
	HTTPPort   int

	// Port 0 means DefaultPort, unless BindAddr is set explicitly, in which
	// case an ephemeral port is bound.
	Port        int
	BindAddr    string
	Interval    time.Duration
	ReadTimeout time.Duration
	BurstCount  int
	BurstGap    time.Duration

	// NoBroadcast disables the limited and directed broadcast targets, leaving
	// only BroadcastAddrs and seed peers.
	NoBroadcast    bool
	BroadcastAddrs []string

	// ListenOnly records peers without announcing this device. Burst still
	// sends a query so peers answer.
	ListenOnly bool

	Permit Permit
	MDNS   bool
}

func (c Config) withDefaults() Config {
	if c.Port == 0 && c.BindAddr == "" {
		c.Port = DefaultPort
	}
	if c.BindAddr == "" {
		c.BindAddr = "0.0.0.0"
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.BurstCount <= 0 {
		c.BurstCount = DefaultBurstCount
	}
	if c.BurstGap <= 0 {
		c.BurstGap = DefaultBurstGap
	}
	if c.Permit == nil {
		c.Permit = NopPermit{}
	}
	return c
}

// Service announces this device over UDP broadcast and records the announces
// of others in a registry.
type Service struct {
	cfg      Config
	registry *registry.Registry
	bus      *events.Bus

	conn *net.UDPConn
	mdns *mdnsAgent

	mu    sync.RWMutex
	seeds []*net.UDPAddr

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(cfg Config, reg *registry.Registry, bus *events.Bus) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		registry: reg,
		bus:      bus,
	}
}

// AddSeedPeer adds a unicast target that receives every announce, for peers
// outside the broadcast domain.
func (s *Service) AddSeedPeer(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("invalid seed peer address %s: %w", addr, err)
	}
	s.mu.Lock()
	s.seeds = append(s.seeds, udpAddr)
	s.mu.Unlock()
	return nil
}

// Start acquires the broadcast permit, binds the discovery socket and launches
// the listen and announce loops. It must not be called twice without Stop.
func (s *Service) Start() error {
	if err := s.cfg.Permit.Acquire(); err != nil {
		return fmt.Errorf("acquire broadcast permit: %w", err)
	}

	lc := net.ListenConfig{Control: reuseControl}
	addr := net.JoinHostPort(s.cfg.BindAddr, strconv.Itoa(s.cfg.Port))
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		s.cfg.Permit.Release()
		return fmt.Errorf("failed to bind UDP port %d: %w", s.cfg.Port, err)
	}
	s.conn = pc.(*net.UDPConn)
	s.cfg.Port = s.conn.LocalAddr().(*net.UDPAddr).Port
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.cfg.MDNS {
		agent, err := s.startMDNS()
		if err != nil {
			log.Printf("[WARN] discovery: mDNS unavailable: %v", err)
		} else {
			s.mdns = agent
		}
	}

	s.wg.Add(2)
	go s.listenLoop()
	go s.announceLoop()

	log.Printf("[DISCOVERY] Listening on %s as %s (%s)", s.conn.LocalAddr(), s.cfg.DeviceName, s.cfg.DeviceID)
	return nil
}

// Stop ends both loops within one read timeout, closes the socket and
// releases the permit.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.conn.Close()
	if s.mdns != nil {
		s.mdns.shutdown()
	}
	s.wg.Wait()
	s.cfg.Permit.Release()
	s.cancel = nil
	log.Printf("[DISCOVERY] Stopped")
}

// Addr is the bound socket address, nil before Start.
func (s *Service) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Burst sends a quick series of announces plus a query, so peers appear
// without waiting for the next tick.
func (s *Service) Burst() error {
	if s.ctx == nil || s.ctx.Err() != nil {
		return errNotStarted
	}
	s.send(EncodeQuery(s.cfg.DeviceID))
	for i := 0; i < s.cfg.BurstCount; i++ {
		if i > 0 {
			select {
			case <-time.After(s.cfg.BurstGap):
			case <-s.ctx.Done():
				return nil
			}
		}
		s.announce()
	}
	return nil
}

func (s *Service) listenLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		if s.ctx.Err() != nil {
			return
		}

		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[WARN] discovery: read error: %v", err)
			continue
		}

		s.handlePacket(buf[:n], addr)
	}
}

func (s *Service) handlePacket(data []byte, from *net.UDPAddr) {
	if strings.HasPrefix(strings.TrimSpace(string(data)), QueryMarker) {
		s.handleQuery(data, from)
		return
	}

	msg, err := Parse(data)
	if err != nil {
		log.Printf("[DISCOVERY] Dropped packet from %s: %v", from, err)
		return
	}
	s.observe(msg, observedIP(from))
}

func (s *Service) handleQuery(data []byte, from *net.UDPAddr) {
	id, err := ParseQuery(data)
	if err != nil {
		log.Printf("[DISCOVERY] Dropped query from %s: %v", from, err)
		return
	}
	if id == s.cfg.DeviceID || s.conn == nil || s.cfg.ListenOnly {
		return
	}
	if _, err := s.conn.WriteToUDP(s.self().Encode(), from); err != nil {
		log.Printf("[DISCOVERY] Reply to %s failed: %v", from, err)
	}
}

// observe records a sighting. The address is always the one the packet came
// from; payloads cannot vouch for their own address.
func (s *Service) observe(msg Message, ip string) {
	if msg.DeviceID == s.cfg.DeviceID {
		return
	}

	dev := models.Device{
		ID:      msg.DeviceID,
		Name:    msg.DeviceName,
		Address: ip,
		Port:    msg.HTTPPort,
	}

	switch s.registry.Upsert(dev) {
	case registry.Added:
		log.Printf("[DISCOVERY] Found peer: %s (%s) at %s:%d", dev.Name, dev.ID, dev.Address, dev.Port)
		s.bus.DeviceFound(dev, true)
	case registry.Updated:
		log.Printf("[DISCOVERY] Peer changed: %s (%s) at %s:%d", dev.Name, dev.ID, dev.Address, dev.Port)
		s.bus.DeviceFound(dev, false)
	}
}

func (s *Service) announceLoop() {
	defer s.wg.Done()

	s.announce()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.announce()
		}
	}
}

func (s *Service) self() Message {
	return NewMessage(s.cfg.DeviceID, s.cfg.DeviceName, s.cfg.HTTPPort)
}

func (s *Service) announce() {
	if s.cfg.ListenOnly {
		return
	}
	s.send(s.self().Encode())
}

// send writes data to every target. Failures are logged and left to the
// next tick.
func (s *Service) send(data []byte) {
	for _, dst := range s.targets() {
		if _, err := s.conn.WriteToUDP(data, dst); err != nil {
			if s.ctx.Err() == nil {
				log.Printf("[DISCOVERY] Send to %s failed: %v", dst, err)
			}
		}
	}
}

func (s *Service) targets() []*net.UDPAddr {
	seen := make(map[string]bool)
	var out []*net.UDPAddr
	add := func(a *net.UDPAddr) {
		if key := a.String(); !seen[key] {
			seen[key] = true
			out = append(out, a)
		}
	}

	if !s.cfg.NoBroadcast {
		add(&net.UDPAddr{IP: net.IPv4bcast, Port: s.cfg.Port})
		for _, ip := range utils.BroadcastAddrs() {
			add(&net.UDPAddr{IP: ip, Port: s.cfg.Port})
		}
	}
	for _, raw := range s.cfg.BroadcastAddrs {
		if ip := net.ParseIP(raw); ip != nil {
			add(&net.UDPAddr{IP: ip, Port: s.cfg.Port})
		}
	}

	s.mu.RLock()
	for _, seed := range s.seeds {
		add(seed)
	}
	s.mu.RUnlock()
	return out
}

func observedIP(addr *net.UDPAddr) string {
	if ip4 := addr.IP.To4(); ip4 != nil {
		return ip4.String()
	}
	return addr.IP.String()
}

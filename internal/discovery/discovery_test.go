package discovery

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"landrop/internal/events"
	"landrop/internal/registry"
)

type countingPermit struct {
	mu       sync.Mutex
	acquired int
	released int
	err      error
}

func (p *countingPermit) Acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.acquired++
	return nil
}

func (p *countingPermit) Release() {
	p.mu.Lock()
	p.released++
	p.mu.Unlock()
}

func (p *countingPermit) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released
}

func loopbackConfig(id, name string, httpPort int) Config {
	return Config{
		DeviceID:    id,
		DeviceName:  name,
		HTTPPort:    httpPort,
		BindAddr:    "127.0.0.1",
		NoBroadcast: true,
		Interval:    100 * time.Millisecond,
		ReadTimeout: 200 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

var sender = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: DefaultPort}

func TestHandlePacketUsesObservedAddress(t *testing.T) {
	reg := registry.New()
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()
	s := NewService(Config{DeviceID: "self"}, reg, bus)

	s.handlePacket([]byte("PYDROP_ANNOUNCE|peer1|Kitchen|9090"), sender)

	snap := reg.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("len = %d, want 1", len(snap))
	}
	d := snap[0]
	if d.ID != "peer1" || d.Name != "Kitchen" || d.Address != "192.168.1.50" || d.Port != 9090 {
		t.Errorf("device = %+v", d)
	}

	e := <-ch
	if e.Type != events.DeviceFound || e.Device.ID != "peer1" {
		t.Errorf("event = %+v", e)
	}
}

func TestHandlePacketSelfSuppression(t *testing.T) {
	reg := registry.New()
	s := NewService(Config{DeviceID: "self"}, reg, nil)

	s.handlePacket(NewMessage("self", "Me", 8080).Encode(), sender)
	if reg.Len() != 0 {
		t.Errorf("own announce registered: %+v", reg.Snapshot())
	}
}

func TestHandlePacketDropsMalformed(t *testing.T) {
	reg := registry.New()
	s := NewService(Config{DeviceID: "self"}, reg, nil)

	for _, raw := range []string{
		"garbage",
		"PYDROP_ANNOUNCE|peer1|Kitchen",
		"PYDROP_ANNOUNCE|peer1|Kitchen|eighty",
		"PYDROP_DISCOVER",
	} {
		s.handlePacket([]byte(raw), sender)
	}
	if reg.Len() != 0 {
		t.Errorf("malformed packets registered: %+v", reg.Snapshot())
	}
}

func TestHandlePacketResightReplaces(t *testing.T) {
	reg := registry.New()
	s := NewService(Config{DeviceID: "self"}, reg, nil)

	s.handlePacket([]byte("PYDROP_ANNOUNCE|peer1|Kitchen|9090"), sender)
	moved := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 77), Port: DefaultPort}
	s.handlePacket([]byte("PYDROP_ANNOUNCE|peer1|Kitchen|9191"), moved)

	snap := reg.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("len = %d, want 1", len(snap))
	}
	if snap[0].Address != "192.168.1.77" || snap[0].Port != 9191 {
		t.Errorf("device = %+v", snap[0])
	}
}

func TestHandlePacketKeepsDeclaredName(t *testing.T) {
	reg := registry.New()
	s := NewService(Config{DeviceID: "self"}, reg, nil)

	s.handlePacket([]byte("PYDROP_ANNOUNCE|peer1||9090"), sender)
	d, ok := reg.Get("peer1")
	if !ok || d.Name != "" || d.Address != "192.168.1.50" {
		t.Errorf("device = %+v", d)
	}
}

func TestTwoInstancesDiscoverEachOther(t *testing.T) {
	regA, regB := registry.New(), registry.New()
	a := NewService(loopbackConfig("dev-a", "Alpha", 8081), regA, nil)
	b := NewService(loopbackConfig("dev-b", "Beta", 8082), regB, nil)

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()

	if err := a.AddSeedPeer(b.Addr().String()); err != nil {
		t.Fatal(err)
	}
	if err := b.AddSeedPeer(a.Addr().String()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool { return regA.Len() == 1 && regB.Len() == 1 })

	gotB := regA.Snapshot()[0]
	if gotB.ID != "dev-b" || gotB.Port != 8082 || gotB.Address != "127.0.0.1" || gotB.Name != "Beta" {
		t.Errorf("A saw %+v", gotB)
	}
	gotA := regB.Snapshot()[0]
	if gotA.ID != "dev-a" || gotA.Port != 8081 || gotA.Address != "127.0.0.1" {
		t.Errorf("B saw %+v", gotA)
	}

	// Further announce cycles refresh rather than duplicate.
	time.Sleep(300 * time.Millisecond)
	if regA.Len() != 1 || regB.Len() != 1 {
		t.Errorf("duplicates: A=%d B=%d", regA.Len(), regB.Len())
	}
}

func TestOwnAnnounceOverNetworkIgnored(t *testing.T) {
	reg := registry.New()
	s := NewService(loopbackConfig("dev-a", "Alpha", 8081), reg, nil)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if err := s.AddSeedPeer(s.Addr().String()); err != nil {
		t.Fatal(err)
	}
	if err := s.Burst(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if reg.Len() != 0 {
		t.Errorf("registry = %+v, want empty", reg.Snapshot())
	}
}

func TestQueryGetsUnicastReply(t *testing.T) {
	reg := registry.New()
	s := NewService(loopbackConfig("dev-a", "Alpha", 8081), reg, nil)
	s.cfg.Interval = time.Hour
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	probe, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer probe.Close()

	if _, err := probe.WriteTo(EncodeQuery("asker"), s.Addr()); err != nil {
		t.Fatal(err)
	}

	probe.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, maxDatagramSize)
	n, _, err := probe.ReadFrom(buf)
	if err != nil {
		t.Fatalf("no reply: %v", err)
	}
	m, err := Parse(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if m.DeviceID != "dev-a" || m.HTTPPort != 8081 {
		t.Errorf("reply = %+v", m)
	}
}

func TestListenOnlyStaysSilentButQueries(t *testing.T) {
	probe, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer probe.Close()

	cfg := loopbackConfig("watcher", "Watcher", 0)
	cfg.ListenOnly = true
	s := NewService(cfg, registry.New(), nil)
	if err := s.AddSeedPeer(probe.LocalAddr().String()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if err := s.Burst(); err != nil {
		t.Fatal(err)
	}

	// Only the query may arrive, never an announce.
	buf := make([]byte, maxDatagramSize)
	var queries int
	for {
		probe.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		n, _, err := probe.ReadFrom(buf)
		if err != nil {
			break
		}
		if _, err := Parse(buf[:n]); err == nil {
			t.Fatalf("listen-only service announced: %q", buf[:n])
		}
		if id, err := ParseQuery(buf[:n]); err == nil && id == "watcher" {
			queries++
		}
	}
	if queries != 1 {
		t.Errorf("queries = %d, want 1", queries)
	}

	// Queries from others go unanswered.
	if _, err := probe.WriteTo(EncodeQuery("asker"), s.Addr()); err != nil {
		t.Fatal(err)
	}
	probe.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if n, _, err := probe.ReadFrom(buf); err == nil {
		t.Errorf("unexpected reply %q", buf[:n])
	}
}

func TestStopIsBoundedAndReleasesPermit(t *testing.T) {
	permit := &countingPermit{}
	cfg := loopbackConfig("dev-a", "Alpha", 8081)
	cfg.Permit = permit
	s := NewService(cfg, registry.New(), nil)

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if acq, _ := permit.counts(); acq != 1 {
		t.Fatalf("acquired = %d, want 1", acq)
	}

	start := time.Now()
	s.Stop()
	if elapsed := time.Since(start); elapsed > cfg.ReadTimeout+500*time.Millisecond {
		t.Errorf("stop took %v", elapsed)
	}
	if _, rel := permit.counts(); rel != 1 {
		t.Errorf("released = %d, want 1", rel)
	}
	if err := s.Burst(); err == nil {
		t.Error("burst after stop succeeded")
	}
}

func TestStartBindFailureReleasesPermit(t *testing.T) {
	busy, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	permit := &countingPermit{}
	cfg := loopbackConfig("dev-a", "Alpha", 8081)
	cfg.Port = busy.LocalAddr().(*net.UDPAddr).Port
	cfg.Permit = permit
	s := NewService(cfg, registry.New(), nil)

	if err := s.Start(); err == nil {
		s.Stop()
		t.Fatal("expected bind failure")
	}
	acq, rel := permit.counts()
	if acq != 1 || rel != 1 {
		t.Errorf("acquired=%d released=%d, want 1/1", acq, rel)
	}
}

func TestStartPermitFailure(t *testing.T) {
	denied := errors.New("denied")
	cfg := loopbackConfig("dev-a", "Alpha", 8081)
	cfg.Permit = &countingPermit{err: denied}
	s := NewService(cfg, registry.New(), nil)

	if err := s.Start(); !errors.Is(err, denied) {
		t.Errorf("err = %v, want %v", err, denied)
	}
	if s.Addr() != nil {
		t.Error("socket bound despite permit failure")
	}
}

func TestBurstBeforeStart(t *testing.T) {
	s := NewService(Config{DeviceID: "x"}, registry.New(), nil)
	if err := s.Burst(); err == nil {
		t.Error("expected error")
	}
}

func TestDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c.Port != DefaultPort || c.Interval != DefaultInterval || c.ReadTimeout != DefaultReadTimeout {
		t.Errorf("defaults = %+v", c)
	}
	if c.ReadTimeout > 2*time.Second {
		t.Errorf("read timeout %v exceeds 2s", c.ReadTimeout)
	}
}

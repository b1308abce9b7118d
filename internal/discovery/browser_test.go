package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
)

type recordingListener struct {
	mu        sync.Mutex
	announced []string
	withdrawn []string
}

func (l *recordingListener) OnServiceAnnounced(svc Service) {
	l.mu.Lock()
	l.announced = append(l.announced, svc.ID)
	l.mu.Unlock()
}

func (l *recordingListener) OnServiceWithdrawn(svc Service) {
	l.mu.Lock()
	l.withdrawn = append(l.withdrawn, svc.ID)
	l.mu.Unlock()
}

func (l *recordingListener) reset() {
	l.mu.Lock()
	l.announced, l.withdrawn = nil, nil
	l.mu.Unlock()
}

// scriptedQuery answers each round with the next set of entries.
type scriptedQuery struct {
	mu     sync.Mutex
	rounds [][]*mdns.ServiceEntry
	errs   []error
	params []*mdns.QueryParam
}

func (q *scriptedQuery) query(_ context.Context, params *mdns.QueryParam) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.params = append(q.params, params)

	if len(q.errs) > 0 {
		err := q.errs[0]
		q.errs = q.errs[1:]
		if err != nil {
			return err
		}
	}
	if len(q.rounds) == 0 {
		return nil
	}
	entries := q.rounds[0]
	q.rounds = q.rounds[1:]
	for _, e := range entries {
		params.Entries <- e
	}
	return nil
}

func castEntry(instance, ip, fn string) *mdns.ServiceEntry {
	return &mdns.ServiceEntry{
		Name:       instance + "._googlecast._tcp.local.",
		Host:       instance + ".local.",
		AddrV4:     net.ParseIP(ip),
		Port:       8009,
		InfoFields: []string{"id=abc123", "fn=" + fn, "md=Chromecast Ultra", "rs="},
	}
}

func TestServiceFromEntry(t *testing.T) {
	svc, ok := serviceFromEntry(castEntry("Chromecast-abc", "192.168.1.20", "Living Room TV"), DefaultService, 0)
	if !ok {
		t.Fatal("entry rejected")
	}
	if svc.ID != "Chromecast-abc._googlecast._tcp.local" {
		t.Errorf("ID = %q", svc.ID)
	}
	if svc.FriendlyName != "Living Room TV" || svc.Model != "Chromecast Ultra" || svc.UUID != "abc123" {
		t.Errorf("TXT fields = %+v", svc)
	}
	if svc.Address() != "192.168.1.20:8009" {
		t.Errorf("Address = %q", svc.Address())
	}

	noTXT := castEntry(`Kitchen\ Speaker`, "192.168.1.21", "")
	noTXT.InfoFields = nil
	svc, _ = serviceFromEntry(noTXT, DefaultService, 0)
	if svc.FriendlyName != "Kitchen Speaker" {
		t.Errorf("fallback name = %q", svc.FriendlyName)
	}

	rejects := []*mdns.ServiceEntry{
		nil,
		{Name: "printer._ipp._tcp.local.", AddrV4: net.ParseIP("10.0.0.1"), Port: 631},
		{Name: "x._googlecast._tcp.local.", Port: 8009},
		{Name: "x._googlecast._tcp.local.", AddrV4: net.ParseIP("10.0.0.1")},
	}
	for i, e := range rejects {
		if _, ok := serviceFromEntry(e, DefaultService, 0); ok {
			t.Errorf("entry %d accepted", i)
		}
	}
}

func TestServiceFromEntry_DefaultPort(t *testing.T) {
	e := castEntry("Chromecast-abc", "192.168.1.20", "Living Room TV")
	e.Port = 0
	if _, ok := serviceFromEntry(e, DefaultService, 0); ok {
		t.Error("entry without port accepted")
	}
	svc, ok := serviceFromEntry(e, DefaultService, 8009)
	if !ok {
		t.Fatal("entry rejected with a default port")
	}
	if svc.Address() != "192.168.1.20:8009" {
		t.Errorf("Address = %q", svc.Address())
	}
}

func TestAddressFallsBackToHost(t *testing.T) {
	svc := Service{Host: "tv.local.", Port: 8009}
	if svc.Address() != "tv.local:8009" {
		t.Errorf("Address = %q", svc.Address())
	}
	v6 := Service{Addresses: []net.IP{net.ParseIP("fe80::1")}, Port: 8009}
	if v6.Address() != "[fe80::1]:8009" {
		t.Errorf("Address = %q", v6.Address())
	}
}

func TestBrowseDiff(t *testing.T) {
	tv := castEntry("tv", "192.168.1.20", "TV")
	speaker := castEntry("speaker", "192.168.1.21", "Speaker")
	q := &scriptedQuery{rounds: [][]*mdns.ServiceEntry{
		{tv, speaker},
		{tv},
		{tv},
		{tv},
	}}
	listener := &recordingListener{}
	b := NewBrowser(Config{Query: q.query, MissThreshold: 3})
	b.SetListener(listener)

	ctx := context.Background()
	if err := b.Browse(ctx); err != nil {
		t.Fatal(err)
	}
	if len(listener.announced) != 2 || len(b.ListCurrent()) != 2 {
		t.Fatalf("round 1: announced=%v current=%d", listener.announced, len(b.ListCurrent()))
	}

	listener.reset()
	for round := 2; round <= 3; round++ {
		if err := b.Browse(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if len(listener.withdrawn) != 0 {
		t.Errorf("withdrawn before threshold: %v", listener.withdrawn)
	}
	if len(listener.announced) != 2 {
		t.Errorf("liveness announcements = %v, want tv twice", listener.announced)
	}

	if err := b.Browse(ctx); err != nil {
		t.Fatal(err)
	}
	if len(listener.withdrawn) != 1 || listener.withdrawn[0] != "speaker._googlecast._tcp.local" {
		t.Errorf("withdrawn = %v", listener.withdrawn)
	}
	current := b.ListCurrent()
	if len(current) != 1 || current[0].FriendlyName != "TV" {
		t.Errorf("current = %+v", current)
	}
}

func TestFailedRoundIsNotAMiss(t *testing.T) {
	tv := castEntry("tv", "192.168.1.20", "TV")
	q := &scriptedQuery{
		rounds: [][]*mdns.ServiceEntry{{tv}},
		errs:   []error{nil, errors.New("no multicast"), errors.New("no multicast"), errors.New("no multicast")},
	}
	listener := &recordingListener{}
	b := NewBrowser(Config{Query: q.query, MissThreshold: 1})
	b.SetListener(listener)

	for range 4 {
		_ = b.Browse(context.Background())
	}
	if len(listener.withdrawn) != 0 || len(b.ListCurrent()) != 1 {
		t.Errorf("failed rounds withdrew the service: %v", listener.withdrawn)
	}
}

func TestQueryParams(t *testing.T) {
	q := &scriptedQuery{}
	b := NewBrowser(Config{Query: q.query, Timeout: 2 * time.Second})
	if err := b.Browse(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := q.params[0]
	if p.Service != DefaultService || p.Domain != DefaultDomain || p.Timeout != 2*time.Second || !p.DisableIPv6 {
		t.Errorf("params = %+v", p)
	}
}

func TestStartStop(t *testing.T) {
	tv := castEntry("tv", "192.168.1.20", "TV")
	q := &scriptedQuery{rounds: [][]*mdns.ServiceEntry{{tv}}}
	listener := &recordingListener{}
	b := NewBrowser(Config{Query: q.query, Interval: time.Hour})
	b.SetListener(listener)

	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(b.ListCurrent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Stop()
	b.Stop()

	if len(b.ListCurrent()) != 1 {
		t.Error("first round did not run on Start")
	}
}

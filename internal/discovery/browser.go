package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
)

// Defaults for browsing.
const (
	DefaultService       = "_googlecast._tcp"
	DefaultDomain        = "local"
	defaultInterval      = 30 * time.Second
	defaultTimeout       = 5 * time.Second
	defaultMissThreshold = 3

	// entryBuffer is the channel size for answers within one round.
	entryBuffer = 32
)

// ErrAlreadyRunning is returned by Start when the browser is running.
var ErrAlreadyRunning = errors.New("discovery: browser already running")

// Service is one receiver advertised on the network.
type Service struct {
	// ID is the mDNS instance fullname, stable across restarts.
	ID        string
	Host      string
	Addresses []net.IP
	Port      int

	// FriendlyName is the TXT fn field, Model the md field and UUID the id field.
	FriendlyName string
	Model        string
	UUID         string
}

// Address returns host:port for connecting, preferring IPv4.
func (s Service) Address() string {
	host := strings.TrimSuffix(s.Host, ".")
	for _, ip := range s.Addresses {
		if ip.To4() != nil {
			host = ip.String()
			break
		}
	}
	if host == "" && len(s.Addresses) > 0 {
		host = s.Addresses[0].String()
	}
	return net.JoinHostPort(host, fmt.Sprint(s.Port))
}

// Listener receives discovery events. Calls are made from the browse
// goroutine, one at a time.
type Listener interface {
	OnServiceAnnounced(svc Service)
	OnServiceWithdrawn(svc Service)
}

// QueryFunc runs one mDNS query; mdns.QueryContext in production.
type QueryFunc func(ctx context.Context, params *mdns.QueryParam) error

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config configures a Browser. Zero values take the defaults.
type Config struct {
	Service       string
	Domain        string
	Interval      time.Duration
	Timeout       time.Duration
	MissThreshold int
	IPv6          bool

	// DefaultPort is used for answers whose SRV record carries no port.
	DefaultPort int

	Query  QueryFunc
	Logger Logger
}

type tracked struct {
	svc    Service
	misses int
}

// Browser tracks the receivers currently on the network.
//
// Thread Safety: all methods are safe for concurrent use.
type Browser struct {
	cfg Config

	mu       sync.RWMutex
	known    map[string]*tracked
	listener Listener

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBrowser creates a browser. Nothing happens until Start or Browse.
func NewBrowser(cfg Config) *Browser {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = defaultMissThreshold
	}
	if cfg.Query == nil {
		cfg.Query = mdns.QueryContext
	}
	return &Browser{
		cfg:   cfg,
		known: make(map[string]*tracked),
	}
}

// SetListener sets the event listener.
func (b *Browser) SetListener(l Listener) {
	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()
}

// Start runs a round immediately and then every Interval until Stop or
// ctx is cancelled.
func (b *Browser) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.loop(ctx, b.done)
	return nil
}

// Stop ends browsing and waits for the current round to finish.
func (b *Browser) Stop() {
	b.runMu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (b *Browser) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := b.Browse(ctx); err != nil && ctx.Err() == nil {
			b.logWarn("mDNS browse failed", "service", b.cfg.Service, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Browse runs one query round and reports the differences. A failed query
// does not count as a miss for any known service.
func (b *Browser) Browse(ctx context.Context) error {
	entries := make(chan *mdns.ServiceEntry, entryBuffer)
	seen := make(map[string]Service)
	collected := make(chan struct{})

	go func() {
		defer close(collected)
		for entry := range entries {
			if svc, ok := serviceFromEntry(entry, b.cfg.Service, b.cfg.DefaultPort); ok {
				seen[svc.ID] = svc
			}
		}
	}()

	params := &mdns.QueryParam{
		Service:     b.cfg.Service,
		Domain:      b.cfg.Domain,
		Timeout:     b.cfg.Timeout,
		Entries:     entries,
		DisableIPv6: !b.cfg.IPv6,
	}
	err := b.cfg.Query(ctx, params)
	close(entries)
	<-collected

	if err != nil {
		return fmt.Errorf("discovery: query %s: %w", b.cfg.Service, err)
	}
	b.reconcile(seen)
	return nil
}

// reconcile applies one round's answers and notifies the listener.
func (b *Browser) reconcile(seen map[string]Service) {
	var announced, withdrawn []Service

	b.mu.Lock()
	for id, svc := range seen {
		if t, ok := b.known[id]; ok {
			t.svc = svc
			t.misses = 0
		} else {
			b.known[id] = &tracked{svc: svc}
			b.logDebug("receiver discovered", "id", id, "name", svc.FriendlyName, "address", svc.Address())
		}
		announced = append(announced, svc)
	}
	for id, t := range b.known {
		if _, ok := seen[id]; ok {
			continue
		}
		t.misses++
		if t.misses >= b.cfg.MissThreshold {
			delete(b.known, id)
			withdrawn = append(withdrawn, t.svc)
		}
	}
	listener := b.listener
	b.mu.Unlock()

	if listener == nil {
		return
	}
	sortByID(announced)
	sortByID(withdrawn)
	for _, svc := range announced {
		listener.OnServiceAnnounced(svc)
	}
	for _, svc := range withdrawn {
		b.logInfo("receiver withdrawn", "id", svc.ID, "name", svc.FriendlyName)
		listener.OnServiceWithdrawn(svc)
	}
}

// ListCurrent returns the services known right now, sorted by id.
func (b *Browser) ListCurrent() []Service {
	b.mu.RLock()
	out := make([]Service, 0, len(b.known))
	for _, t := range b.known {
		out = append(out, t.svc)
	}
	b.mu.RUnlock()
	sortByID(out)
	return out
}

func sortByID(s []Service) {
	slices.SortFunc(s, func(a, b Service) int { return strings.Compare(a.ID, b.ID) })
}

// serviceFromEntry normalises an mDNS answer. Entries for other services or
// without a usable address are dropped.
func serviceFromEntry(e *mdns.ServiceEntry, service string, defaultPort int) (Service, bool) {
	if e == nil || !strings.Contains(e.Name, service) {
		return Service{}, false
	}
	port := e.Port
	if port == 0 {
		port = defaultPort
	}
	if port == 0 {
		return Service{}, false
	}

	svc := Service{
		ID:   strings.TrimSuffix(e.Name, "."),
		Host: e.Host,
		Port: port,
	}
	if e.AddrV4 != nil {
		svc.Addresses = append(svc.Addresses, e.AddrV4)
	}
	if e.AddrV6 != nil {
		svc.Addresses = append(svc.Addresses, e.AddrV6)
	}
	if len(svc.Addresses) == 0 && svc.Host == "" {
		return Service{}, false
	}

	for _, field := range e.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "fn":
			svc.FriendlyName = value
		case "md":
			svc.Model = value
		case "id":
			svc.UUID = value
		}
	}
	if svc.FriendlyName == "" {
		svc.FriendlyName = instanceName(svc.ID, service)
	}
	return svc, true
}

// instanceName strips the service and domain from a fullname.
func instanceName(fullname, service string) string {
	if i := strings.Index(fullname, "."+service); i > 0 {
		return strings.ReplaceAll(fullname[:i], `\ `, " ")
	}
	return fullname
}

// Nil-safe logging helpers.

func (b *Browser) logDebug(msg string, kv ...any) {
	if b.cfg.Logger != nil {
		b.cfg.Logger.Debug(msg, kv...)
	}
}

func (b *Browser) logInfo(msg string, kv ...any) {
	if b.cfg.Logger != nil {
		b.cfg.Logger.Info(msg, kv...)
	}
}

func (b *Browser) logWarn(msg string, kv ...any) {
	if b.cfg.Logger != nil {
		b.cfg.Logger.Warn(msg, kv...)
	}
}

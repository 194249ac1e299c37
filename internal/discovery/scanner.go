// Package discovery finds the target receiver on the local network.
package discovery

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// DefaultService is the DNS-SD service type cast receivers advertise.
const DefaultService = "_googlecast._tcp"

// Announcement is one device advertisement seen on the network.
type Announcement struct {
	// Name is the friendly name from the fn= TXT record, falling back to the instance name.
	Name       string
	Instance   string
	Address    string
	Addresses  []string
	Port       int
	DeviceType string // md= TXT record
	DeviceID   string // id= TXT record
}

// Key identifies an announcement for de-duplication within one scan session.
func (a Announcement) Key() string {
	return fmt.Sprintf("%s|%s|%d", strings.ToLower(a.Name), a.Address, a.Port)
}

// Scanner browses for a service type until ctx is cancelled, invoking found
// for every announcement. It returns nil when ctx ends and an error when the
// underlying listener fails.
type Scanner interface {
	Scan(ctx context.Context, service string, found func(Announcement)) error
}

// MDNSScanner implements Scanner with repeated multicast DNS query rounds.
type MDNSScanner struct {
	Domain       string
	QueryTimeout time.Duration
	Interval     time.Duration
	DisableIPv6  bool
	Logger       *slog.Logger
}

// NewMDNSScanner returns a scanner for the given domain and round interval.
func NewMDNSScanner(domain string, interval time.Duration, logger *slog.Logger) *MDNSScanner {
	if domain == "" {
		domain = "local"
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &MDNSScanner{
		Domain:       domain,
		QueryTimeout: 3 * time.Second,
		Interval:     interval,
		DisableIPv6:  true,
		Logger:       logger.With("component", "mdns"),
	}
}

func (s *MDNSScanner) Scan(ctx context.Context, service string, found func(Announcement)) error {
	for {
		if err := s.query(ctx, service, found); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.Interval):
		}
	}
}

func (s *MDNSScanner) query(ctx context.Context, service string, found func(Announcement)) error {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if a, ok := announcementFrom(entry); ok {
				found(a)
			}
		}
	}()

	params := &mdns.QueryParam{
		Service:     service,
		Domain:      s.Domain,
		Timeout:     s.QueryTimeout,
		Entries:     entries,
		DisableIPv6: s.DisableIPv6,
		// The library logs every malformed packet it sees on the segment.
		Logger: log.New(io.Discard, "", 0),
	}
	err := mdns.QueryContext(ctx, params)
	close(entries)
	<-done

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("mdns query %s: %w", service, err)
	}
	return nil
}

func announcementFrom(entry *mdns.ServiceEntry) (Announcement, bool) {
	if entry == nil || entry.Port == 0 {
		return Announcement{}, false
	}
	a := Announcement{
		Instance: instanceName(entry.Name),
		Port:     entry.Port,
	}
	a.Addresses = entryAddresses(entry)
	if len(a.Addresses) == 0 {
		return Announcement{}, false
	}
	a.Address = a.Addresses[0]

	txt := parseTXT(entry.InfoFields)
	a.Name = txt["fn"]
	a.DeviceType = txt["md"]
	a.DeviceID = txt["id"]
	if a.Name == "" {
		a.Name = a.Instance
	}
	return a, true
}

func entryAddresses(entry *mdns.ServiceEntry) []string {
	var addrs []string
	if isUsable(entry.AddrV4) {
		addrs = append(addrs, entry.AddrV4.String())
	}
	if isUsable(entry.AddrV6) {
		addrs = append(addrs, entry.AddrV6.String())
	}
	return addrs
}

func isUsable(ip net.IP) bool {
	return ip != nil && !ip.IsUnspecified()
}

// parseTXT splits key=value TXT records. Keys are lowercased.
func parseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

// instanceName strips the service and domain labels from a full DNS-SD name,
// e.g. "Chromecast-abc._googlecast._tcp.local." -> "Chromecast-abc".
func instanceName(full string) string {
	name := strings.TrimSuffix(full, ".")
	if i := strings.Index(name, "._"); i >= 0 {
		name = name[:i]
	}
	return strings.ReplaceAll(name, `\ `, " ")
}

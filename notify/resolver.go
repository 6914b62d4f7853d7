package notify

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// Resolver maps a client node id to the base URL of its notification endpoint.
type Resolver interface {
	Resolve(ctx context.Context, clientID string) (string, error)
}

// StaticResolver resolves from a fixed table.
type StaticResolver struct {
	mu        sync.RWMutex
	endpoints map[string]string
}

func NewStaticResolver(endpoints map[string]string) *StaticResolver {
	copied := make(map[string]string, len(endpoints))
	for id, endpoint := range endpoints {
		copied[id] = strings.TrimSuffix(endpoint, "/")
	}
	return &StaticResolver{endpoints: copied}
}

func (r *StaticResolver) Set(clientID, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[clientID] = strings.TrimSuffix(endpoint, "/")
}

func (r *StaticResolver) Resolve(_ context.Context, clientID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	endpoint, ok := r.endpoints[clientID]
	if !ok {
		return "", fmt.Errorf("no endpoint for client node %s", clientID)
	}
	return endpoint, nil
}

// DNSResolver looks client nodes up via SRV records named
// _<service>._tcp.<client id>.<domain>.
type DNSResolver struct {
	domain  string
	service string
	server  string
	scheme  string
	client  *dns.Client
}

func NewDNSResolver(domain, server string) *DNSResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSResolver{
		domain:  strings.Trim(domain, "."),
		service: "model-dist",
		server:  server,
		scheme:  "https",
		client:  new(dns.Client),
	}
}

// WithScheme sets the URL scheme of resolved endpoints.
func (r *DNSResolver) WithScheme(scheme string) *DNSResolver {
	r.scheme = scheme
	return r
}

func (r *DNSResolver) Resolve(ctx context.Context, clientID string) (string, error) {
	name := dns.Fqdn(fmt.Sprintf("_%s._tcp.%s.%s", r.service, clientID, r.domain))

	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeSRV)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return "", fmt.Errorf("SRV lookup of %s failed: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("SRV lookup of %s failed: %s", name, dns.RcodeToString[in.Rcode])
	}

	var records []*dns.SRV
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return "", fmt.Errorf("no SRV records for %s", name)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	target := strings.TrimSuffix(records[0].Target, ".")
	return fmt.Sprintf("%s://%s", r.scheme, net.JoinHostPort(target, strconv.Itoa(int(records[0].Port)))), nil
}

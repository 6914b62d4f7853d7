package hwbind

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/net"
)

// HostBinder derives the machine fingerprint from host, CPU and network
// interface identifiers. The fingerprint is recomputed at most once per TTL.
type HostBinder struct {
	log            *slog.Logger
	ttl            time.Duration
	includeNetwork bool

	mu          sync.Mutex
	fingerprint string
	computedAt  time.Time
}

type HostOption func(*HostBinder)

// WithTTL sets how long a computed fingerprint is reused. Zero disables caching.
func WithTTL(ttl time.Duration) HostOption {
	return func(b *HostBinder) { b.ttl = ttl }
}

// WithNetworkInterfaces includes the MAC addresses of physical interfaces.
func WithNetworkInterfaces(include bool) HostOption {
	return func(b *HostBinder) { b.includeNetwork = include }
}

func NewHostBinder(log *slog.Logger, opts ...HostOption) *HostBinder {
	b := &HostBinder{
		log:            log,
		ttl:            time.Minute,
		includeNetwork: true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *HostBinder) CurrentFingerprint(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fingerprint != "" && time.Since(b.computedAt) < b.ttl {
		return b.fingerprint, nil
	}

	components, err := b.components(ctx)
	if err != nil {
		return "", err
	}

	fingerprint := Fingerprint(components)
	if b.fingerprint != "" && b.fingerprint != fingerprint {
		b.log.Warn("Host fingerprint changed",
			slog.String("previous", b.fingerprint[:16]),
			slog.String("current", fingerprint[:16]))
	}
	b.fingerprint = fingerprint
	b.computedAt = time.Now()
	return fingerprint, nil
}

func (b *HostBinder) components(ctx context.Context) (map[string]string, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read host info: %w", err)
	}

	cpus, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu info: %w", err)
	}

	components := map[string]string{
		"host_id":  info.HostID,
		"platform": info.Platform,
		"arch":     info.KernelArch,
	}

	models := make(map[string]struct{})
	var cores int32
	for _, c := range cpus {
		models[c.VendorID+"/"+c.ModelName] = struct{}{}
		cores += c.Cores
	}
	components["cpu_models"] = joinSorted(models)
	components["cpu_cores"] = fmt.Sprint(cores)

	if b.includeNetwork {
		ifaces, err := net.InterfacesWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read network interfaces: %w", err)
		}
		macs := make(map[string]struct{})
		for _, iface := range ifaces {
			if iface.HardwareAddr == "" || isVirtualInterface(iface) {
				continue
			}
			macs[strings.ToLower(iface.HardwareAddr)] = struct{}{}
		}
		components["macs"] = joinSorted(macs)
	}

	return components, nil
}

// isVirtualInterface skips loopback and interfaces created by container
// runtimes, which come and go without the machine changing.
func isVirtualInterface(iface net.InterfaceStat) bool {
	for _, flag := range iface.Flags {
		if flag == "loopback" {
			return true
		}
	}
	for _, prefix := range []string{"docker", "veth", "br-", "virbr", "cni", "flannel", "tun", "tap"} {
		if strings.HasPrefix(iface.Name, prefix) {
			return true
		}
	}
	return false
}

// Fingerprint hashes named components into a hex SHA-256 that does not
// depend on map iteration order.
func Fingerprint(components map[string]string) string {
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		fmt.Fprintf(h, "%s=%s\n", name, components[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func joinSorted(set map[string]struct{}) string {
	values := make([]string, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	sort.Strings(values)
	return strings.Join(values, ",")
}

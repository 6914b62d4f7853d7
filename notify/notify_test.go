package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/ruteri/secure-model-distribution/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() HTTPOptions {
	return HTTPOptions{
		Retries:      2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
		Timeout:      time.Second,
	}
}

func TestHTTPNotifier(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	event := interfaces.KeyRotationEvent{
		EventID:   "ev-1",
		OldKeyID:  "old",
		NewKeyID:  "new",
		ModelID:   "model-a",
		Status:    interfaces.RotationCompleted,
		Timestamp: time.Now().UTC(),
	}

	t.Run("delivers event", func(t *testing.T) {
		var got interfaces.KeyRotationEvent
		mux := http.NewServeMux()
		mux.Handle(RotationPath, Handler(func(_ context.Context, e interfaces.KeyRotationEvent) error {
			got = e
			return nil
		}, log))
		server := httptest.NewServer(mux)
		defer server.Close()

		notifier := NewHTTPNotifier(NewStaticResolver(map[string]string{"client-1": server.URL + "/"}), fastOptions(), log)
		require.NoError(t, notifier.NotifyRotation(context.Background(), "client-1", event))
		assert.Equal(t, "ev-1", got.EventID)
		assert.Equal(t, "new", got.NewKeyID)
		assert.Equal(t, interfaces.RotationCompleted, got.Status)
	})

	t.Run("retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		notifier := NewHTTPNotifier(NewStaticResolver(map[string]string{"client-1": server.URL}), fastOptions(), log)
		require.NoError(t, notifier.NotifyRotation(context.Background(), "client-1", event))
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("client rejection", func(t *testing.T) {
		server := httptest.NewServer(Handler(func(context.Context, interfaces.KeyRotationEvent) error {
			return errors.New("unknown model")
		}, log))
		defer server.Close()

		notifier := NewHTTPNotifier(NewStaticResolver(map[string]string{"client-1": server.URL}), HTTPOptions{Timeout: time.Second}, log)
		err := notifier.NotifyRotation(context.Background(), "client-1", event)
		assert.Error(t, err)
	})

	t.Run("bad request", func(t *testing.T) {
		server := httptest.NewServer(Handler(func(context.Context, interfaces.KeyRotationEvent) error { return nil }, log))
		defer server.Close()

		resp, err := http.Post(server.URL, "application/json", nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown client", func(t *testing.T) {
		notifier := NewHTTPNotifier(NewStaticResolver(nil), fastOptions(), log)
		assert.Error(t, notifier.NotifyRotation(context.Background(), "client-2", event))
	})
}

func startDNSServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = server.ActivateAndServe() }()
	t.Cleanup(func() { _ = server.Shutdown() })

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func TestDNSResolver(t *testing.T) {
	addr := startDNSServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		if req.Question[0].Name == "_model-dist._tcp.client-1.nodes.example." {
			hdr := dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60}
			m.Answer = append(m.Answer,
				&dns.SRV{Hdr: hdr, Priority: 20, Weight: 10, Port: 9000, Target: "backup.nodes.example."},
				&dns.SRV{Hdr: hdr, Priority: 10, Weight: 10, Port: 8443, Target: "primary.nodes.example."},
			)
		} else {
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	resolver := NewDNSResolver("nodes.example.", addr)

	endpoint, err := resolver.Resolve(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, "https://primary.nodes.example:8443", endpoint)

	endpoint, err = resolver.WithScheme("http").Resolve(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, "http://primary.nodes.example:8443", endpoint)

	_, err = resolver.Resolve(context.Background(), "client-9")
	assert.Error(t, err)
}

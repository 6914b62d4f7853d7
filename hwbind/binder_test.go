package hwbind

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	a := Fingerprint(map[string]string{"host_id": "h", "cpu_models": "GenuineIntel/Xeon", "macs": "aa:bb"})
	b := Fingerprint(map[string]string{"macs": "aa:bb", "host_id": "h", "cpu_models": "GenuineIntel/Xeon"})
	c := Fingerprint(map[string]string{"host_id": "h", "cpu_models": "GenuineIntel/Xeon", "macs": "aa:bc"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestHostBinder(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	binder := NewHostBinder(log, WithTTL(0))
	first, err := binder.CurrentFingerprint(ctx)
	require.NoError(t, err)
	second, err := binder.CurrentFingerprint(ctx)
	require.NoError(t, err)

	assert.Len(t, first, 64)
	assert.Equal(t, first, second, "fingerprint is deterministic")

	withoutNetwork, err := NewHostBinder(log, WithNetworkInterfaces(false)).CurrentFingerprint(ctx)
	require.NoError(t, err)
	assert.Len(t, withoutNetwork, 64)
}

type fakeQuoteProvider struct {
	quote []byte
	err   error
	calls int
}

func (f *fakeQuoteProvider) GetRawQuote([64]byte) ([]byte, error) {
	f.calls++
	return f.quote, f.err
}

func TestTDXBinder(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("no quote device", func(t *testing.T) {
		provider := &fakeQuoteProvider{err: errors.New("no such device")}
		binder := NewTDXBinderWithProvider(provider, log)

		_, err := binder.CurrentFingerprint(context.Background())
		assert.Error(t, err)
		_, err = binder.CurrentFingerprint(context.Background())
		assert.Error(t, err)
		assert.Equal(t, 2, provider.calls, "failures are retried")
	})

	t.Run("recovers after transient failure", func(t *testing.T) {
		provider := &fakeQuoteProvider{err: errors.New("quote generation busy"), quote: []byte("quote")}
		binder := NewTDXBinderWithProvider(provider, log)
		binder.parse = func([]byte) (map[string]string, error) {
			return map[string]string{"mrtd": "aa", "rtmr0": "00", "rtmr1": "11", "rtmr2": "22"}, nil
		}

		_, err := binder.CurrentFingerprint(context.Background())
		require.Error(t, err)

		provider.err = nil
		first, err := binder.CurrentFingerprint(context.Background())
		require.NoError(t, err)
		assert.Len(t, first, 64)

		provider.err = errors.New("device gone")
		second, err := binder.CurrentFingerprint(context.Background())
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, 2, provider.calls, "a successful measurement is kept")
	})

	t.Run("malformed quote", func(t *testing.T) {
		binder := NewTDXBinderWithProvider(&fakeQuoteProvider{quote: []byte("not a quote")}, log)
		_, err := binder.CurrentFingerprint(context.Background())
		assert.Error(t, err)
	})
}

func TestNew(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	testCases := []struct {
		kind     string
		wantType interface{}
		wantErr  bool
	}{
		{kind: "", wantType: &HostBinder{}},
		{kind: "host", wantType: &HostBinder{}},
		{kind: "tdx", wantType: &TDXBinder{}},
		{kind: "static:node-a", wantType: StaticBinder("")},
		{kind: "sgx", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.kind, func(t *testing.T) {
			binder, err := New(tc.kind, log)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tc.wantType, binder)
		})
	}

	fp, err := StaticBinder("node-a").CurrentFingerprint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "node-a", fp)

	_, err = StaticBinder("").CurrentFingerprint(context.Background())
	assert.Error(t, err)
}

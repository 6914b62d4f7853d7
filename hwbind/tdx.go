package hwbind

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
)

// QuoteProvider returns a raw TDX quote over reportData.
type QuoteProvider interface {
	GetRawQuote(reportData [64]byte) ([]byte, error)
}

// deviceQuoteProvider prefers configfs-tsm and falls back to the TDX guest device.
type deviceQuoteProvider struct{}

func (deviceQuoteProvider) GetRawQuote(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// TDXBinder binds keys to the measured TD image: MRTD and RTMR0-2 of the
// quote. RTMR3 is left out because it is extended at runtime.
// Measurements cannot change while the TD runs, so the first successful
// fingerprint is kept. Failures are not cached.
type TDXBinder struct {
	provider QuoteProvider
	parse    func(rawQuote []byte) (map[string]string, error)
	log      *slog.Logger

	mu          sync.Mutex
	fingerprint string
}

func NewTDXBinder(log *slog.Logger) *TDXBinder {
	return NewTDXBinderWithProvider(deviceQuoteProvider{}, log)
}

func NewTDXBinderWithProvider(provider QuoteProvider, log *slog.Logger) *TDXBinder {
	return &TDXBinder{provider: provider, parse: QuoteMeasurements, log: log}
}

func (b *TDXBinder) CurrentFingerprint(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fingerprint != "" {
		return b.fingerprint, nil
	}

	fingerprint, err := b.measure()
	if err != nil {
		b.log.Error("Failed to read TDX measurements", "err", err)
		return "", err
	}
	b.fingerprint = fingerprint
	return fingerprint, nil
}

func (b *TDXBinder) measure() (string, error) {
	rawQuote, err := b.provider.GetRawQuote([64]byte{})
	if err != nil {
		return "", fmt.Errorf("failed to get TDX quote: %w", err)
	}

	measurements, err := b.parse(rawQuote)
	if err != nil {
		return "", err
	}

	b.log.Info("Bound to TDX measurements",
		slog.String("mrtd", measurements["mrtd"]))
	return Fingerprint(measurements), nil
}

// QuoteMeasurements extracts the static TD measurements of a v4 quote.
func QuoteMeasurements(rawQuote []byte) (map[string]string, error) {
	protoQuote, err := tdx_abi.QuoteToProto(rawQuote)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	body := quote.GetTdQuoteBody()
	if len(body.GetRtmrs()) < 3 {
		return nil, fmt.Errorf("quote carries %d RTMRs", len(body.GetRtmrs()))
	}

	return map[string]string{
		"mrtd":  hex.EncodeToString(body.GetMrTd()),
		"rtmr0": hex.EncodeToString(body.GetRtmrs()[0]),
		"rtmr1": hex.EncodeToString(body.GetRtmrs()[1]),
		"rtmr2": hex.EncodeToString(body.GetRtmrs()[2]),
	}, nil
}

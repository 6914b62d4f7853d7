// Package hwbind identifies the machine an admin node runs on. Managed keys
// record the fingerprint at issue time and are refused on any other machine.
package hwbind

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/secure-model-distribution/interfaces"
)

// StaticBinder reports a fixed fingerprint. For development and tests only.
type StaticBinder string

func (s StaticBinder) CurrentFingerprint(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("static fingerprint is empty")
	}
	return string(s), nil
}

// New creates a binder by kind: "host", "tdx" or "static:<fingerprint>".
func New(kind string, log *slog.Logger) (interfaces.HardwareBinder, error) {
	switch {
	case kind == "" || kind == "host":
		return NewHostBinder(log), nil
	case kind == "tdx":
		return NewTDXBinder(log), nil
	case strings.HasPrefix(kind, "static:"):
		log.Warn("Using a static hardware fingerprint, keys are not bound to this machine")
		return StaticBinder(strings.TrimPrefix(kind, "static:")), nil
	default:
		return nil, fmt.Errorf("unknown hardware binder %q", kind)
	}
}

package keystore

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ruteri/secure-model-distribution/interfaces"
)

// Open creates a keystore from a location URI.
//
// Supported schemes:
//   - memory:// - in-process, for tests and development
//   - file:///path - one JSON file per key
//   - badger:///path - embedded badger database
//   - vault://host:port/mount/prefix?tls=true - Vault KV v2, token from VAULT_TOKEN
//
// sealer may be nil, in which case material is persisted unsealed.
func Open(location string, sealer *Sealer, log *slog.Logger) (interfaces.Keystore, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryKeystore(), nil
	case "file":
		path, err := localPath(u)
		if err != nil {
			return nil, err
		}
		return NewFileKeystore(path, sealer, log)
	case "badger":
		path, err := localPath(u)
		if err != nil {
			return nil, err
		}
		return NewBadgerKeystore(path, sealer, log)
	case "vault":
		parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("%w: expected vault://host:port/mount/prefix", interfaces.ErrInvalidLocationURI)
		}
		scheme := "http"
		if u.Query().Get("tls") == "true" {
			scheme = "https"
		}
		return NewVaultKeystore(fmt.Sprintf("%s://%s", scheme, u.Host), "", parts[0], parts[1], sealer, log)
	default:
		return nil, fmt.Errorf("%w: unsupported keystore scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// localPath accepts file:///abs/path and file://./relative/path.
func localPath(u *url.URL) (string, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return "", fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, u.String())
	}
	return path, nil
}

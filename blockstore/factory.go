package blockstore

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/secure-model-distribution/interfaces"
)

// Factory creates storage backends from location URIs.
type Factory struct {
	log *slog.Logger
}

var _ interfaces.StorageBackendFactory = (*Factory)(nil)

func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// StorageBackendFor creates a backend for one location.
//
// Supported schemes:
//   - memory://
//   - file:///var/lib/model-blocks
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-1&endpoint=https://minio:9000&path_style=true
//   - ipfs://127.0.0.1:5001/model-blocks?timeout=30s
func (f *Factory) StorageBackendFor(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch location.Scheme {
	case "memory":
		return NewMemoryBackend(), nil
	case "file":
		return f.createFileBackend(location)
	case "s3":
		return f.createS3Backend(location)
	case "ipfs":
		return f.createIPFSBackend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported block storage scheme %q", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiBackend aggregates every location that yields a backend.
// It fails only if none does.
func (f *Factory) CreateMultiBackend(locations []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locations))
	for _, location := range locations {
		backend, err := f.StorageBackendFor(location)
		if err != nil {
			f.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("location", location.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: no valid storage backends created", interfaces.ErrInvalidLocationURI)
	}
	if len(backends) == 1 {
		return backends[0], nil
	}
	return NewMultiBackend(backends, f.log), nil
}

// Open parses location URIs and returns a single or multi backend.
func (f *Factory) Open(uris []string) (interfaces.StorageBackend, error) {
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		location, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, err
		}
		locations = append(locations, location)
	}
	return f.CreateMultiBackend(locations)
}

func (f *Factory) createFileBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, location)
	}
	return NewFileBackend(path, f.log)
}

func (f *Factory) createS3Backend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	if location.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket in %s", interfaces.ErrInvalidLocationURI, location)
	}

	opts := S3Options{
		Bucket:    location.Host,
		Prefix:    strings.TrimPrefix(location.Path, "/"),
		Region:    location.Param("region"),
		Endpoint:  location.Param("endpoint"),
		PathStyle: location.ParamBool("path_style"),
	}
	if location.Auth != "" {
		opts.AccessKey, opts.SecretKey, _ = strings.Cut(location.Auth, ":")
	}

	return NewS3Backend(opts, f.log)
}

func (f *Factory) createIPFSBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	host, port, found := strings.Cut(location.Host, ":")
	if !found || port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if raw := location.Param("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = parsed
	}

	return NewIPFSBackend(host, port, location.Path, timeout, f.log)
}

package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/secure-model-distribution/interfaces"
)

// VaultKeystore keeps key records in a HashiCorp Vault KV v2 mount. Records
// are stored sealed under the local master key, so Vault never sees raw key
// material unless no sealer is configured.
type VaultKeystore struct {
	client    *api.Client
	mountPath string
	dataPath  string
	sealer    *Sealer
	log       *slog.Logger
}

// NewVaultKeystore authenticates with token. An empty token falls back to
// VAULT_TOKEN from the environment.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount (e.g. "secret")
//   - dataPath: prefix within the mount (e.g. "model-keys")
func NewVaultKeystore(address, token, mountPath, dataPath string, sealer *Sealer, log *slog.Logger) (*VaultKeystore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &VaultKeystore{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		sealer:    sealer,
		log:       log,
	}, nil
}

func (v *VaultKeystore) Get(ctx context.Context, keyID string) (*interfaces.ManagedKey, error) {
	data, err := v.read(ctx, v.path("data", "keys", keyID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, interfaces.NewKeyError(keyID, interfaces.ErrKeyNotFound)
	}
	return v.sealer.decode(data)
}

func (v *VaultKeystore) Put(ctx context.Context, key *interfaces.ManagedKey) error {
	data, err := v.sealer.encode(key)
	if err != nil {
		return err
	}
	return v.write(ctx, v.path("data", "keys", key.KeyID), data)
}

// Delete removes every version of the record.
func (v *VaultKeystore) Delete(ctx context.Context, keyID string) error {
	_, err := v.client.Logical().DeleteWithContext(ctx, v.path("metadata", "keys", keyID))
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (v *VaultKeystore) List(ctx context.Context, modelID string) ([]*interfaces.ManagedKey, error) {
	secret, err := v.client.Logical().ListWithContext(ctx, v.path("metadata", "keys", ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	names, _ := secret.Data["keys"].([]interface{})
	keys := make([]*interfaces.ManagedKey, 0, len(names))
	for _, name := range names {
		keyID, ok := name.(string)
		if !ok || strings.HasSuffix(keyID, "/") {
			continue
		}
		key, err := v.Get(ctx, keyID)
		if err != nil {
			return nil, err
		}
		if modelID == "" || key.Metadata.ModelID == modelID {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys, nil
}

// Wipe writes a record without material and destroys every earlier version,
// which makes Vault discard the stored ciphertext permanently.
func (v *VaultKeystore) Wipe(ctx context.Context, keyID string) error {
	dataPath := v.path("data", "keys", keyID)
	data, err := v.read(ctx, dataPath)
	if err != nil {
		return err
	}
	if data == nil {
		return interfaces.NewKeyError(keyID, interfaces.ErrKeyNotFound)
	}

	empty, err := v.sealer.emptyRecord(data)
	if err != nil {
		return err
	}
	if err := v.write(ctx, dataPath, empty); err != nil {
		return err
	}

	meta, err := v.client.Logical().ReadWithContext(ctx, v.path("metadata", "keys", keyID))
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if meta == nil || meta.Data == nil {
		return nil
	}

	current, err := versionNumber(meta.Data["current_version"])
	if err != nil || current <= 1 {
		return err
	}

	versions := make([]int, 0, current-1)
	for i := 1; i < current; i++ {
		versions = append(versions, i)
	}
	_, err = v.client.Logical().WriteWithContext(ctx, v.path("destroy", "keys", keyID), map[string]interface{}{
		"versions": versions,
	})
	if err != nil {
		v.log.Error("Failed to destroy prior key versions", slog.String("key_id", keyID), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// AppendEvent rewrites the per-model event list. KV v2 has no append, so
// concurrent writers from different processes may race.
func (v *VaultKeystore) AppendEvent(ctx context.Context, event interfaces.KeyRotationEvent) error {
	events, err := v.Events(ctx, event.ModelID)
	if err != nil {
		return err
	}
	events = append(events, event)

	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to encode rotation events: %w", err)
	}
	return v.write(ctx, v.path("data", "events", event.ModelID), data)
}

func (v *VaultKeystore) Events(ctx context.Context, modelID string) ([]interfaces.KeyRotationEvent, error) {
	data, err := v.read(ctx, v.path("data", "events", modelID))
	if err != nil || data == nil {
		return nil, err
	}

	var events []interfaces.KeyRotationEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to decode rotation events: %w", err)
	}
	return events, nil
}

// Available reports whether Vault is initialized and unsealed.
func (v *VaultKeystore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := v.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		v.log.Debug("Vault health check failed", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

func (v *VaultKeystore) Name() string {
	return fmt.Sprintf("vault-%s-%s", v.mountPath, v.dataPath)
}

func (v *VaultKeystore) path(op, kind, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", v.mountPath, op, v.dataPath, kind, name)
}

func (v *VaultKeystore) read(ctx context.Context, path string) ([]byte, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		v.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	inner, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// Deleted versions come back with a nil data field.
		return nil, nil
	}
	content, ok := inner["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data")
	}
	return []byte(content), nil
}

func (v *VaultKeystore) write(ctx context.Context, path string, data []byte) error {
	_, err := v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"content": string(data),
		},
	})
	if err != nil {
		v.log.Error("Failed to write to Vault", slog.String("path", path), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func versionNumber(raw interface{}) (int, error) {
	switch n := raw.(type) {
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected version type %T", raw)
	}
}

package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/leasestore/blockingio"
	"github.com/ruteri/leasestore/interfaces"
	"github.com/ruteri/leasestore/keys"
	"github.com/ruteri/leasestore/locking"
)

// VaultOptions configures NewVaultBackend.
type VaultOptions struct {
	Address string
	Token   string
	// Mount is the KV v2 secrets engine mount, e.g. "secret".
	Mount string
	// Path is the directory within the mount that holds all keys.
	Path string
}

// VaultBackend implements a storage backend on a HashiCorp Vault KV v2 mount.
// A key maps to the secret {mount}/data/{path}/{key} whose "content" field
// holds the base64 payload. Lock markers are written with check-and-set so
// the object lock runs with strong consistency.
type VaultBackend struct {
	lockable

	client      *api.Client
	mount       string
	dataPath    string
	exec        *blockingio.Executor
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a new Vault storage backend authenticated by token.
func NewVaultBackend(opts VaultOptions, exec *blockingio.Executor, log *slog.Logger) (*VaultBackend, error) {
	if opts.Address == "" || opts.Mount == "" {
		return nil, fmt.Errorf("%w: vault address and mount are required", interfaces.ErrConfiguration)
	}

	config := api.DefaultConfig()
	config.Address = opts.Address
	config.Timeout = 30 * time.Second
	// retries belong to the lock layer
	config.MaxRetries = 0

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Vault client: %v", interfaces.ErrConfiguration, err)
	}
	if opts.Token != "" {
		client.SetToken(opts.Token)
	}

	dataPath := ""
	if strings.Trim(opts.Path, "/") != "" {
		dataPath, err = keys.Canonical(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: vault path: %v", interfaces.ErrConfiguration, err)
		}
	}
	if exec == nil {
		exec = blockingio.NewExecutor(0)
	}

	mount := strings.Trim(opts.Mount, "/")
	host := strings.TrimPrefix(strings.TrimPrefix(opts.Address, "https://"), "http://")
	return &VaultBackend{
		client:      client,
		mount:       mount,
		dataPath:    dataPath,
		exec:        exec,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", host, mount, dataPath),
	}, nil
}

type vaultEntry struct {
	data    []byte
	version string
}

// Read implements interfaces.StorageBackend.
func (b *VaultBackend) Read(ctx context.Context, key string) ([]byte, error) {
	secretPath, err := b.secretPath(key)
	if err != nil {
		return nil, err
	}
	entry, err := b.read(ctx, secretPath)
	if err != nil {
		return nil, err
	}
	return entry.data, nil
}

func (b *VaultBackend) read(ctx context.Context, secretPath string) (vaultEntry, error) {
	start := time.Now()
	dataPath := b.mount + "/data/" + secretPath

	secret, err := blockingio.Call(ctx, b.exec, func() (*api.Secret, error) {
		return b.client.Logical().ReadWithContext(ctx, dataPath)
	})
	if err != nil {
		return vaultEntry{}, b.ioError("read", dataPath, start, err)
	}

	// deleted and destroyed versions come back without data
	if secret == nil || secret.Data == nil || secret.Data["data"] == nil {
		b.log.Debug("Content not found in Vault", slog.String("path", dataPath))
		return vaultEntry{}, fmt.Errorf("%w: %s", interfaces.ErrNotFound, secretPath)
	}

	fields, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return vaultEntry{}, b.ioError("read", dataPath, start, errors.New("invalid data format in Vault response"))
	}
	encoded, ok := fields["content"].(string)
	if !ok {
		return vaultEntry{}, b.ioError("read", dataPath, start, errors.New("content key not found in Vault data"))
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return vaultEntry{}, b.ioError("read", dataPath, start, fmt.Errorf("invalid content encoding: %w", err))
	}

	var version string
	if metadata, ok := secret.Data["metadata"].(map[string]interface{}); ok {
		version, err = versionString(metadata["version"])
		if err != nil {
			return vaultEntry{}, b.ioError("read", dataPath, start, err)
		}
	}

	b.log.Debug("Fetched content from Vault",
		slog.String("path", dataPath),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return vaultEntry{data: data, version: version}, nil
}

// Write implements interfaces.StorageBackend. The content type is not stored.
func (b *VaultBackend) Write(ctx context.Context, key string, data []byte, contentType string) error {
	secretPath, err := b.secretPath(key)
	if err != nil {
		return err
	}
	_, err = b.write(ctx, secretPath, data, nil)
	return err
}

// write stores data at secretPath. A non-nil cas makes the write conditional:
// 0 means "only if absent", N means "only if the current version is N".
func (b *VaultBackend) write(ctx context.Context, secretPath string, data []byte, cas *int) (string, error) {
	start := time.Now()
	dataPath := b.mount + "/data/" + secretPath

	body := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	}
	if cas != nil {
		body["options"] = map[string]interface{}{"cas": *cas}
	}

	secret, err := blockingio.Call(ctx, b.exec, func() (*api.Secret, error) {
		return b.client.Logical().WriteWithContext(ctx, dataPath, body)
	})
	if err != nil {
		if isCASMismatch(err) {
			return "", fmt.Errorf("%w: %s", interfaces.ErrPreconditionFailed, secretPath)
		}
		return "", b.ioError("write", dataPath, start, err)
	}

	var version string
	if secret != nil && secret.Data != nil {
		version, err = versionString(secret.Data["version"])
		if err != nil {
			return "", b.ioError("write", dataPath, start, err)
		}
	}

	b.log.Debug("Stored content in Vault",
		slog.String("path", dataPath),
		slog.String("version", version),
		slog.Duration("duration", time.Since(start)))
	return version, nil
}

// Exists implements interfaces.StorageBackend.
func (b *VaultBackend) Exists(ctx context.Context, key string) (bool, error) {
	secretPath, err := b.secretPath(key)
	if err != nil {
		return false, err
	}
	_, err = b.read(ctx, secretPath)
	if errors.Is(err, interfaces.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete implements interfaces.StorageBackend. It removes the metadata and
// every version so the key no longer appears in listings.
func (b *VaultBackend) Delete(ctx context.Context, key string) error {
	secretPath, err := b.secretPath(key)
	if err != nil {
		return err
	}

	start := time.Now()
	metadataPath := b.mount + "/metadata/" + secretPath
	err = b.exec.Run(ctx, func() error {
		_, err := b.client.Logical().DeleteWithContext(ctx, metadataPath)
		return err
	})
	if err != nil && !isVaultNotFound(err) {
		return b.ioError("delete", metadataPath, start, err)
	}

	b.log.Debug("Deleted content from Vault",
		slog.String("path", metadataPath),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// ListKeys implements interfaces.StorageBackend with a recursive LIST of the
// subtree that can contain prefix.
func (b *VaultBackend) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	canonical, err := keys.CanonicalPrefix(prefix)
	if err != nil {
		return nil, err
	}

	dir := ""
	if strings.HasSuffix(canonical, "/") {
		dir = canonical
	} else if i := strings.LastIndex(canonical, "/"); i >= 0 {
		dir = canonical[:i+1]
	}

	start := time.Now()
	var found []string
	if err := b.listDir(ctx, dir, canonical, &found); err != nil {
		return nil, b.ioError("list", b.mount+"/metadata/"+b.join(dir), start, err)
	}

	sort.Strings(found)
	b.log.Debug("Listed Vault keys",
		slog.String("prefix", canonical),
		slog.Int("count", len(found)),
		slog.Duration("duration", time.Since(start)))
	return found, nil
}

func (b *VaultBackend) listDir(ctx context.Context, dir, prefix string, found *[]string) error {
	metadataPath := b.mount + "/metadata/" + b.join(dir)
	secret, err := blockingio.Call(ctx, b.exec, func() (*api.Secret, error) {
		return b.client.Logical().ListWithContext(ctx, metadataPath)
	})
	if err != nil {
		return err
	}
	if secret == nil || secret.Data == nil {
		return nil
	}
	entries, _ := secret.Data["keys"].([]interface{})

	for _, e := range entries {
		name, ok := e.(string)
		if !ok || keys.IsReserved(name) {
			continue
		}
		child := dir + name
		if strings.HasSuffix(name, "/") {
			// descend only into folders that can still match
			if strings.HasPrefix(child, prefix) || strings.HasPrefix(prefix, child) {
				if err := b.listDir(ctx, child, prefix, found); err != nil {
					return err
				}
			}
			continue
		}
		if strings.HasPrefix(child, prefix) {
			*found = append(*found, child)
		}
	}
	return nil
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	if b.dataPath == "" {
		return fmt.Sprintf("vault-%s", b.mount)
	}
	return fmt.Sprintf("vault-%s-%s", b.mount, strings.ReplaceAll(b.dataPath, "/", "-"))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

// GetMarker implements locking.MarkerStore.
func (b *VaultBackend) GetMarker(ctx context.Context, resource string) ([]byte, string, error) {
	entry, err := b.read(ctx, b.markerPath(resource))
	if err != nil {
		return nil, "", err
	}
	return entry.data, entry.version, nil
}

// PutMarkerIfAbsent implements locking.MarkerStore with cas=0.
func (b *VaultBackend) PutMarkerIfAbsent(ctx context.Context, resource string, data []byte) (string, error) {
	cas := 0
	return b.write(ctx, b.markerPath(resource), data, &cas)
}

// ReplaceMarker implements locking.MarkerStore with cas=version.
func (b *VaultBackend) ReplaceMarker(ctx context.Context, resource string, data []byte, version string) (string, error) {
	cas, err := strconv.Atoi(version)
	if err != nil {
		return "", fmt.Errorf("%w: invalid marker version %q", interfaces.ErrPreconditionFailed, version)
	}
	return b.write(ctx, b.markerPath(resource), data, &cas)
}

// DeleteMarker implements locking.MarkerStore. KV v2 has no conditional
// delete, so release overwrites the marker with an empty, already expired
// record under check-and-set.
func (b *VaultBackend) DeleteMarker(ctx context.Context, resource, version string) error {
	_, err := b.ReplaceMarker(ctx, resource, []byte("{}"), version)
	return err
}

// MarkerConsistency implements locking.MarkerStore.
func (b *VaultBackend) MarkerConsistency() locking.Consistency {
	return locking.StrongConsistency
}

func (b *VaultBackend) markerPath(resource string) string {
	return b.join(keys.ReservedSegmentPrefix + "/locks/" + base64.RawURLEncoding.EncodeToString([]byte(resource)))
}

func (b *VaultBackend) secretPath(key string) (string, error) {
	canonical, err := keys.Canonical(key)
	if err != nil {
		return "", err
	}
	return b.join(canonical), nil
}

func (b *VaultBackend) join(p string) string {
	if b.dataPath == "" {
		return p
	}
	if p == "" {
		return b.dataPath + "/"
	}
	joined := path.Join(b.dataPath, p)
	if strings.HasSuffix(p, "/") {
		joined += "/"
	}
	return joined
}

func (b *VaultBackend) ioError(op, vaultPath string, start time.Time, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	b.log.Error("Vault operation failed",
		slog.String("op", op),
		slog.String("path", vaultPath),
		"err", err,
		slog.Duration("duration", time.Since(start)))
	return fmt.Errorf("%w: vault %s %s: %v", interfaces.ErrIO, op, vaultPath, err)
}

func versionString(v interface{}) (string, error) {
	switch n := v.(type) {
	case json.Number:
		return n.String(), nil
	case float64:
		return strconv.FormatInt(int64(n), 10), nil
	case int:
		return strconv.Itoa(n), nil
	case nil:
		return "", errors.New("missing version in Vault response")
	default:
		return "", fmt.Errorf("unexpected version type %T in Vault response", v)
	}
}

func isCASMismatch(err error) bool {
	var respErr *api.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusBadRequest {
		return false
	}
	for _, e := range respErr.Errors {
		if strings.Contains(e, "check-and-set") {
			return true
		}
	}
	return false
}

func isVaultNotFound(err error) bool {
	var respErr *api.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

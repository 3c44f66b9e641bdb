package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ruteri/leasestore/blockingio"
	"github.com/ruteri/leasestore/interfaces"
	"github.com/ruteri/leasestore/keys"
)

// DefaultLockDirName is the reserved directory under the base directory that
// holds file lock sentinels.
const DefaultLockDirName = keys.ReservedSegmentPrefix + "-locks"

const tempPattern = keys.ReservedSegmentPrefix + "-tmp-*"

// FileBackend implements a storage backend using the local file system.
// A key maps to {baseDir}/{key}; writes go through a sibling temp file and an
// atomic rename so readers never see partial content.
//
// Because keys are files, a key cannot also be a prefix of another stored
// key: with "users/u1/profile" stored, writing "users/u1/profile/avatar" fails
// with ErrIO, and the reverse order fails the same way. Object stores accept
// both. The failure is permanent for that pair of keys, so retrying is useless.
type FileBackend struct {
	lockable

	baseDir     string
	exec        *blockingio.Executor
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file storage backend rooted at baseDir, which must
// already exist.
func NewFileBackend(baseDir string, exec *blockingio.Executor, log *slog.Logger) (*FileBackend, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base directory %q: %v", interfaces.ErrConfiguration, baseDir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: base directory %q: %v", interfaces.ErrConfiguration, abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: base directory %q is not a directory", interfaces.ErrConfiguration, abs)
	}
	if exec == nil {
		exec = blockingio.NewExecutor(0)
	}

	return &FileBackend{
		baseDir:     abs,
		exec:        exec,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", abs),
	}, nil
}

// Read implements interfaces.StorageBackend.
func (b *FileBackend) Read(ctx context.Context, key string) ([]byte, error) {
	filePath, err := b.filePath(key)
	if err != nil {
		return nil, err
	}

	data, err := blockingio.Call(ctx, b.exec, func() ([]byte, error) {
		return os.ReadFile(filePath)
	})
	if err != nil {
		if isAbsent(err) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, key)
		}
		return nil, b.ioError("read", filePath, err)
	}

	b.log.Debug("Read blob from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))
	return data, nil
}

// Write implements interfaces.StorageBackend. The content type is not stored.
func (b *FileBackend) Write(ctx context.Context, key string, data []byte, contentType string) error {
	filePath, err := b.filePath(key)
	if err != nil {
		return err
	}

	err = b.exec.Run(ctx, func() error {
		return writeAtomic(filePath, data)
	})
	if err != nil {
		return b.ioError("write", filePath, err)
	}

	b.log.Debug("Wrote blob to file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))
	return nil
}

func writeAtomic(filePath string, data []byte) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename into place: %w", err)
	}
	return nil
}

// Exists implements interfaces.StorageBackend.
func (b *FileBackend) Exists(ctx context.Context, key string) (bool, error) {
	filePath, err := b.filePath(key)
	if err != nil {
		return false, err
	}

	info, err := blockingio.Call(ctx, b.exec, func() (fs.FileInfo, error) {
		return os.Stat(filePath)
	})
	if err != nil {
		if isAbsent(err) {
			return false, nil
		}
		return false, b.ioError("stat", filePath, err)
	}
	return info.Mode().IsRegular(), nil
}

// Delete implements interfaces.StorageBackend. Empty parent directories are
// left in place; concurrent writers may be creating files in them.
func (b *FileBackend) Delete(ctx context.Context, key string) error {
	filePath, err := b.filePath(key)
	if err != nil {
		return err
	}

	err = b.exec.Run(ctx, func() error {
		info, err := os.Stat(filePath)
		if err != nil {
			return err
		}
		if info.IsDir() {
			// a key prefix, not a stored key
			return fs.ErrNotExist
		}
		return os.Remove(filePath)
	})
	if err != nil && !isAbsent(err) {
		return b.ioError("delete", filePath, err)
	}

	b.log.Debug("Deleted blob file", slog.String("path", filePath))
	return nil
}

// ListKeys implements interfaces.StorageBackend by walking the subtree that
// can contain prefix.
func (b *FileBackend) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	canonical, err := keys.CanonicalPrefix(prefix)
	if err != nil {
		return nil, err
	}

	// "a/b" may match "a/b/c" and "a/bc", so walk from "a"
	walkRoot := b.baseDir
	if canonical != "" {
		dir := canonical
		if !strings.HasSuffix(dir, "/") {
			dir = path.Dir(dir)
		}
		if dir != "." {
			walkRoot = filepath.Join(b.baseDir, filepath.FromSlash(strings.TrimSuffix(dir, "/")))
		}
	}

	start := time.Now()
	found, err := blockingio.Call(ctx, b.exec, func() ([]string, error) {
		var out []string
		err := filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if isAbsent(err) {
					return nil
				}
				return err
			}
			if p == walkRoot {
				return nil
			}
			if keys.IsReserved(d.Name()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(b.baseDir, p)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if strings.HasPrefix(key, canonical) {
				out = append(out, key)
			}
			return nil
		})
		return out, err
	})
	if err != nil {
		return nil, b.ioError("list", walkRoot, err)
	}

	sort.Strings(found)
	b.log.Debug("Listed file keys",
		slog.String("prefix", canonical),
		slog.Int("count", len(found)),
		slog.Duration("duration", time.Since(start)))
	return found, nil
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

// BaseDir returns the absolute root directory.
func (b *FileBackend) BaseDir() string {
	return b.baseDir
}

func (b *FileBackend) filePath(key string) (string, error) {
	canonical, err := keys.Canonical(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.baseDir, filepath.FromSlash(canonical)), nil
}

func (b *FileBackend) ioError(op, filePath string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	b.log.Error("File backend operation failed",
		slog.String("op", op),
		slog.String("path", filePath),
		"err", err)
	return fmt.Errorf("%w: %s %s: %v", interfaces.ErrIO, op, filePath, err)
}

// isAbsent reports errors meaning "nothing stored here": a missing path, a
// path whose parent is a regular file, or a directory standing in for a key.
func isAbsent(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) || errors.Is(err, syscall.EISDIR)
}

package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrStorage classifies backend write failures. Wrapped storage errors are
// the only retryable failures in the pipeline.
var ErrStorage = errors.New("manifest storage error")

// Storage persists encoded manifests keyed by epoch. Save must be atomic:
// a reader never observes a partially written manifest.
type Storage interface {
	Save(ctx context.Context, epoch uint64, data []byte) error
	Exists(ctx context.Context, epoch uint64) (bool, error)
	Load(ctx context.Context, epoch uint64) ([]byte, error)
	Type() string
}

// ManifestName returns the object name for an epoch's manifest.
func ManifestName(epoch uint64) string {
	return fmt.Sprintf("rewards-epoch-%d.json", epoch)
}

// LocalStorage writes manifests to a directory, via temp file and rename.
type LocalStorage struct {
	log *slog.Logger
	dir string
}

func NewLocalStorage(log *slog.Logger, dir string) (*LocalStorage, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if dir == "" {
		return nil, errors.New("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating directory %s: %v", ErrStorage, dir, err)
	}
	return &LocalStorage{log: log, dir: dir}, nil
}

func (l *LocalStorage) Type() string { return "local" }

func (l *LocalStorage) Save(ctx context.Context, epoch uint64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	final := filepath.Join(l.dir, ManifestName(epoch))

	tmp, err := os.CreateTemp(l.dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrStorage, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing temp file: %v", ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: syncing temp file: %v", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing temp file: %v", ErrStorage, err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("%w: publishing manifest %s: %v", ErrStorage, final, err)
	}

	l.log.Debug("recorder: manifest written", "storage", l.Type(), "path", final, "bytes", len(data))
	return nil
}

func (l *LocalStorage) Exists(ctx context.Context, epoch uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(l.dir, ManifestName(epoch)))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stat manifest: %v", ErrStorage, err)
	}
	return true, nil
}

func (l *LocalStorage) Load(ctx context.Context, epoch uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.dir, ManifestName(epoch)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no manifest for epoch %d", epoch)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest: %v", ErrStorage, err)
	}
	return data, nil
}

// MemoryStorage is an in-memory Storage for tests and dry runs.
type MemoryStorage struct {
	mu      sync.Mutex
	objects map[uint64][]byte

	// SaveErr, when set, fails the next Save calls until cleared.
	SaveErr error
	// FailSaves makes that many Saves fail before succeeding.
	FailSaves int
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[uint64][]byte)}
}

func (m *MemoryStorage) Type() string { return "memory" }

func (m *MemoryStorage) Save(ctx context.Context, epoch uint64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if m.FailSaves > 0 {
		m.FailSaves--
		return fmt.Errorf("%w: transient backend failure", ErrStorage)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[epoch] = buf
	return nil
}

func (m *MemoryStorage) Exists(ctx context.Context, epoch uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[epoch]
	return ok, nil
}

func (m *MemoryStorage) Load(ctx context.Context, epoch uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[epoch]
	if !ok {
		return nil, fmt.Errorf("no manifest for epoch %d", epoch)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// StorageConfig selects and parameterizes a backend.
type StorageConfig struct {
	Logger *slog.Logger

	// Backend is "local", "s3", or "memory".
	Backend string

	// LocalDir is the manifest directory for the local backend.
	LocalDir string

	// S3Bucket and S3Prefix parameterize the s3 backend.
	S3Bucket string
	S3Prefix string
	S3Region string
}

// NewStorage builds the configured backend.
func NewStorage(ctx context.Context, cfg StorageConfig) (Storage, error) {
	switch strings.ToLower(cfg.Backend) {
	case "local":
		return NewLocalStorage(cfg.Logger, cfg.LocalDir)
	case "s3":
		return NewS3Storage(ctx, S3Config{
			Logger: cfg.Logger,
			Bucket: cfg.S3Bucket,
			Prefix: cfg.S3Prefix,
			Region: cfg.S3Region,
		})
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

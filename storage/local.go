package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Local stores objects as flat files under a single root directory. Object
// age is derived from file mtime.
type Local struct {
	root    string
	maxSize int64
}

func NewLocal(root string, maxSize int64) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{root: root, maxSize: maxSize}, nil
}

func (l *Local) path(key string) string {
	// Keys are generated server-side, but stay defensive about separators.
	return filepath.Join(l.root, filepath.Base(key))
}

func (l *Local) Put(ctx context.Context, r io.Reader, suggestedName string) (Object, error) {
	name, err := SanitizeName(suggestedName)
	if err != nil {
		return Object{}, err
	}
	key := GenerateKey(name)

	f, err := os.Create(l.path(key))
	if err != nil {
		return Object{}, fmt.Errorf("create object file: %w", err)
	}

	n, err := io.Copy(f, &limitedReader{r: r, max: l.maxSize})
	closeErr := f.Close()
	if err != nil {
		os.Remove(l.path(key))
		if errors.Is(err, ErrPayloadTooLarge) {
			return Object{}, ErrPayloadTooLarge
		}
		return Object{}, fmt.Errorf("write object: %w", err)
	}
	if closeErr != nil {
		os.Remove(l.path(key))
		return Object{}, fmt.Errorf("close object: %w", closeErr)
	}

	return Object{Key: key, OriginalName: name, SizeBytes: n, CreatedAt: time.Now()}, nil
}

func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	err := os.Remove(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (l *Local) List(ctx context.Context, olderThan time.Duration) ([]Object, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("list storage dir: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	var out []Object
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		out = append(out, Object{
			Key:       entry.Name(),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime(),
		})
	}
	return out, nil
}

func (l *Local) Stats(ctx context.Context) (Stats, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return Stats{}, fmt.Errorf("list storage dir: %w", err)
	}
	var st Stats
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		st.Objects++
		st.TotalBytes += info.Size()
	}
	return st, nil
}

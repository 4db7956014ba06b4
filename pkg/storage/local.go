package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalStore implements Store on the local filesystem. Uploads live under
// basePath with a .meta sidecar directory for metadata.
type LocalStore struct {
	basePath string
	maxSize  int64
}

// NewLocalStore creates a local filesystem store. maxSize bounds a single
// upload; zero means unlimited.
func NewLocalStore(basePath string, maxSize int64) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Join(basePath, ".meta"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStore{basePath: basePath, maxSize: maxSize}, nil
}

// Save persists the upload under a generated temp name.
func (s *LocalStore) Save(ctx context.Context, filename, contentType string, r io.Reader) (*FileInfo, error) {
	tempName := fmt.Sprintf("%s_%s", uuid.NewString()[:8], sanitizeFilename(filename))
	filePath := filepath.Join(s.basePath, tempName)

	f, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	size, err := io.Copy(f, src)
	if err != nil {
		os.Remove(filePath)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if s.maxSize > 0 && size > s.maxSize {
		os.Remove(filePath)
		return nil, fmt.Errorf("upload exceeds the %d byte limit", s.maxSize)
	}

	info := &FileInfo{
		TempName:    tempName,
		Name:        filename,
		Size:        size,
		ContentType: contentType,
		CreatedAt:   time.Now(),
	}
	if err := s.saveMetadata(info); err != nil {
		os.Remove(filePath)
		return nil, err
	}
	return info, nil
}

// Open returns a reader over a stored upload.
func (s *LocalStore) Open(ctx context.Context, tempName string) (io.ReadCloser, *FileInfo, error) {
	info, err := s.getInfo(tempName)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(s.basePath, tempName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, info, nil
}

// Delete removes a stored upload and its metadata.
func (s *LocalStore) Delete(ctx context.Context, tempName string) error {
	tempName = sanitizeFilename(tempName)
	if err := os.Remove(filepath.Join(s.basePath, tempName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	os.Remove(s.metaPath(tempName))
	return nil
}

// Sweep removes uploads older than the retention window.
func (s *LocalStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.basePath, ".meta"))
	if err != nil {
		return 0, fmt.Errorf("failed to list metadata: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		tempName := strings.TrimSuffix(entry.Name(), ".json")
		info, err := s.getInfo(tempName)
		if err != nil || info.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.Delete(ctx, tempName); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *LocalStore) getInfo(tempName string) (*FileInfo, error) {
	data, err := os.ReadFile(s.metaPath(sanitizeFilename(tempName)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var info FileInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &info, nil
}

func (s *LocalStore) saveMetadata(info *FileInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(info.TempName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func (s *LocalStore) metaPath(tempName string) string {
	return filepath.Join(s.basePath, ".meta", tempName+".json")
}

// sanitizeFilename removes path separators and other unsafe characters.
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		"..", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	return replacer.Replace(name)
}

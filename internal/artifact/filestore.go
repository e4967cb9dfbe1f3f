package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/opencontainers/go-digest"
)

const (
	spoolDirName = "tmp"
	locksDirName = "locks"
	metaSuffix   = ".json"
)

// FileStore stores blobs on the local filesystem under <root>/<algorithm>/<aa>/<encoded>.
// Each blob has a JSON sidecar holding its Ref.
type FileStore struct {
	root string
}

// NewFileStore creates a file store rooted at dir, creating the directory layout if needed
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact store directory is required")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact store directory: %w", err)
	}

	for _, sub := range []string{string(Canonical), spoolDirName, locksDirName} {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0750); err != nil {
			return nil, fmt.Errorf("failed to create artifact store directory: %w", err)
		}
	}

	return &FileStore{root: abs}, nil
}

// SpoolDir returns a directory on the same filesystem as the blobs so commits are hard links
func (s *FileStore) SpoolDir() string {
	return filepath.Join(s.root, spoolDirName)
}

func (s *FileStore) blobPath(d digest.Digest) string {
	encoded := d.Encoded()
	return filepath.Join(s.root, string(d.Algorithm()), encoded[:2], encoded)
}

func (s *FileStore) lockPath(d digest.Digest) string {
	return filepath.Join(s.root, locksDirName, d.Encoded()+".lock")
}

// Create links the spooled file into place. The link fails with EEXIST when another
// writer got there first, which is reported as ErrExists.
func (s *FileStore) Create(_ context.Context, ref *Ref, src *os.File) error {
	if err := ref.Digest.Validate(); err != nil {
		return fmt.Errorf("invalid digest: %w", err)
	}

	lock := flock.New(s.lockPath(ref.Digest))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock artifact %s: %w", ref.Digest, err)
	}
	if !locked {
		return errLockContended
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.Debug("Failed to unlock artifact", "digest", ref.Digest, "error", err)
		}
	}()

	path := s.blobPath(ref.Digest)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	if err := os.Link(src.Name(), path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrExists
		}
		return fmt.Errorf("failed to commit artifact %s: %w", ref.Digest, err)
	}

	ref.Location = path
	if err := s.writeMeta(path, ref); err != nil {
		// The blob is committed; Stat can rebuild the ref from the file itself
		slog.Warn("Failed to write artifact metadata", "digest", ref.Digest, "error", err)
	}

	return nil
}

// writeMeta persists the sidecar with the temp file and rename pattern
func (*FileStore) writeMeta(blobPath string, ref *Ref) error {
	data, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact metadata: %w", err)
	}

	metaPath := blobPath + metaSuffix
	tempFile := metaPath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write artifact metadata: %w", err)
	}
	if err := os.Rename(tempFile, metaPath); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to rename artifact metadata: %w", err)
	}
	return nil
}

// Stat returns the stored ref for a digest
func (s *FileStore) Stat(_ context.Context, d digest.Digest) (*Ref, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid digest: %w", err)
	}

	path := s.blobPath(d)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to stat artifact %s: %w", d, err)
	}

	ref := &Ref{}
	data, err := os.ReadFile(path + metaSuffix) // #nosec G304 - path is derived from a validated digest
	if err == nil {
		err = json.Unmarshal(data, ref)
	}
	if err != nil || ref.Digest != d {
		ref = &Ref{
			Digest:    d,
			Size:      info.Size(),
			Digests:   map[string]string{string(d.Algorithm()): d.Encoded()},
			CreatedAt: info.ModTime().UTC(),
		}
	}
	ref.Location = path
	return ref, nil
}

// Open returns the blob contents
func (s *FileStore) Open(_ context.Context, d digest.Digest) (io.ReadCloser, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid digest: %w", err)
	}

	f, err := os.Open(s.blobPath(d))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open artifact %s: %w", d, err)
	}
	return f, nil
}

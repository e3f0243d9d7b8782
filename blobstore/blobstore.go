package blobstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrBlobNotFound is returned when no blob exists for a digest.
var ErrBlobNotFound = errors.New("blob not found")

// DirPermission is the mode for blobstore directories
const DirPermission = 0o755

// Store is a content-addressed byte store on the local filesystem.
// Blobs live at <root>/<aa>/<bb>/<sha256> where aa/bb are the first two
// byte pairs of the hex digest. A blob is immutable once written.
type Store struct {
	root   string
	logger *zap.Logger
	group  singleflight.Group
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, DirPermission); err != nil {
		return nil, fmt.Errorf("failed to create blobstore root: %w", err)
	}
	return &Store{root: dir, logger: logger}, nil
}

// Path returns the filesystem location for a digest. The file may not exist.
func (s *Store) Path(digest string) string {
	return filepath.Join(s.root, digest[:2], digest[2:4], digest)
}

// Put stores the given bytes and returns their hex SHA-256 digest and size.
// The digest is always recomputed from the content; callers never supply it.
// Put is idempotent: identical content maps to one physical blob, and
// concurrent puts of the same content converge to a single write.
func (s *Store) Put(r io.Reader) (string, int64, error) {
	// Spool to a temp file while hashing so we never hold large blobs in memory
	// and never expose a partially-written blob under its final name.
	tmp, err := os.CreateTemp(s.root, "put-*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("failed to spool blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close temp blob: %w", err)
	}

	digest := hex.EncodeToString(h.Sum(nil))

	// Collapse concurrent writers of the same content onto one rename.
	_, err, _ = s.group.Do(digest, func() (any, error) {
		return nil, s.commit(tmpName, digest)
	})
	if err != nil {
		return "", 0, err
	}
	return digest, size, nil
}

// commit moves a spooled temp file into its content-addressed location.
func (s *Store) commit(tmpName, digest string) error {
	dst := s.Path(digest)
	if _, err := os.Stat(dst); err == nil {
		// Already present: content addressing guarantees the bytes match.
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), DirPermission); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	// Rename is atomic within the store root, so a concurrent reader either
	// sees the complete blob or nothing.
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("failed to commit blob %s: %w", digest, err)
	}
	s.logger.Debug("blob written", zap.String("digest", digest))
	return nil
}

// PutBytes is a convenience wrapper around Put for in-memory content.
func (s *Store) PutBytes(data []byte) (string, int64, error) {
	return s.Put(bytes.NewReader(data))
}

// Open returns a reader over the blob for a digest.
func (s *Store) Open(digest string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, digest)
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", digest, err)
	}
	return f, nil
}

// Get returns the full content of the blob for a digest.
func (s *Store) Get(digest string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, digest)
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", digest, err)
	}
	return data, nil
}

// Stat reports the size of the blob for a digest.
func (s *Store) Stat(digest string) (int64, error) {
	fi, err := os.Stat(s.Path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrBlobNotFound, digest)
		}
		return 0, fmt.Errorf("failed to stat blob %s: %w", digest, err)
	}
	return fi.Size(), nil
}

// Exists reports whether a blob is present for a digest.
func (s *Store) Exists(digest string) bool {
	_, err := os.Stat(s.Path(digest))
	return err == nil
}

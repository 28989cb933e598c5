package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Segment is one sealed, fixed-length slice of a recording. It is
// immutable once emitted by the Engine.
type Segment struct {
	ID        string
	SessionID string
	Index     int
	StartTime time.Time
	Duration  time.Duration
	Path      string // retained copy of the ciphertext, empty when not persisted
	Encrypted []byte // nonce || ciphertext || tag of a WAV file
	Silent    bool   // no speech detected while recording
}

// ErrNoCiphertext is returned for a segment that carries no sealed audio
var ErrNoCiphertext = errors.New("segment has no ciphertext")

// Sealed returns the segment ciphertext
func (s *Segment) Sealed() ([]byte, error) {
	if len(s.Encrypted) == 0 {
		return nil, fmt.Errorf("segment %s: %w", s.ID, ErrNoCiphertext)
	}
	return s.Encrypted, nil
}

// SegmentStore persists sealed segments under a directory, one
// subdirectory per session
type SegmentStore struct {
	dir string
}

// NewSegmentStore creates the store directory with owner-only permissions
func NewSegmentStore(dir string) (*SegmentStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create segment directory: %w", err)
	}
	return &SegmentStore{dir: dir}, nil
}

// Dir returns the store root
func (s *SegmentStore) Dir() string {
	return s.dir
}

// Save writes the segment ciphertext and records its path on the segment
func (s *SegmentStore) Save(seg *Segment) error {
	sessionDir := filepath.Join(s.dir, seg.SessionID)
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	path := filepath.Join(sessionDir, fmt.Sprintf("%06d-%s.seg", seg.Index, seg.ID))
	if err := os.WriteFile(path, seg.Encrypted, 0o600); err != nil {
		return fmt.Errorf("failed to write segment %s: %w", seg.ID, err)
	}
	seg.Path = path
	return nil
}

// Remove deletes the segment file. Removing a missing file is not an error.
func (s *SegmentStore) Remove(seg *Segment) error {
	if seg.Path == "" {
		return nil
	}
	if err := os.Remove(seg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove segment %s: %w", seg.ID, err)
	}
	return nil
}

// List returns the retained segment files of a session
func (s *SegmentStore) List(sessionID string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, sessionID, "*.seg"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}

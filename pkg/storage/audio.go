package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"github.com/howie/storybuddy-sub001/pkg/core"
)

// BadgerAudioStore keeps consented segment audio in a local Badger database
// keyed by segment id. The reference written back to the segment row is
// "badger://<segment id>".
type BadgerAudioStore struct {
	db *badger.DB
}

// NewBadgerAudioStore opens (or creates) a Badger database under dir.
func NewBadgerAudioStore(dir string) (*BadgerAudioStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio directory: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(dir, "segments"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open audio database: %w", err)
	}
	return &BadgerAudioStore{db: db}, nil
}

// PutSegmentAudio stores the segment's PCM and returns its reference.
func (s *BadgerAudioStore) PutSegmentAudio(ctx context.Context, segmentID string, pcm []byte) (string, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(segmentID), pcm)
	})
	if err != nil {
		return "", fmt.Errorf("store segment audio: %w", err)
	}
	return "badger://" + segmentID, nil
}

// GetSegmentAudio returns the stored PCM for a segment.
func (s *BadgerAudioStore) GetSegmentAudio(ctx context.Context, segmentID string) ([]byte, error) {
	var pcm []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(segmentID))
		if err != nil {
			return err
		}
		pcm, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, core.NewNotFoundError("segment audio not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get segment audio: %w", err)
	}
	return pcm, nil
}

// Close closes the underlying database.
func (s *BadgerAudioStore) Close() error {
	return s.db.Close()
}

// MemoryAudioStore keeps segment audio in process memory. Used by tests and
// by the default run mode when no audio directory is configured.
type MemoryAudioStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryAudioStore creates an empty MemoryAudioStore.
func NewMemoryAudioStore() *MemoryAudioStore {
	return &MemoryAudioStore{blobs: make(map[string][]byte)}
}

// PutSegmentAudio stores a copy of the segment's PCM and returns its
// reference, "mem://<segment id>".
func (s *MemoryAudioStore) PutSegmentAudio(ctx context.Context, segmentID string, pcm []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.blobs[segmentID] = cp
	return "mem://" + segmentID, nil
}

// GetSegmentAudio returns a copy of the stored PCM for a segment.
func (s *MemoryAudioStore) GetSegmentAudio(ctx context.Context, segmentID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pcm, exists := s.blobs[segmentID]
	if !exists {
		return nil, core.NewNotFoundError("segment audio not found")
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	return cp, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryAudioStore) Close() error { return nil }

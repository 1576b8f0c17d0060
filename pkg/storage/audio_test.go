package storage

import (
	"bytes"
	"context"
	"testing"

	"github.com/howie/storybuddy-sub001/pkg/core"
)

func TestMemoryAudioStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAudioStore()

	pcm := []byte{1, 2, 3, 4}
	ref, err := store.PutSegmentAudio(ctx, "seg-1", pcm)
	if err != nil {
		t.Fatalf("PutSegmentAudio: %v", err)
	}
	if ref != "mem://seg-1" {
		t.Fatalf("unexpected ref %q", ref)
	}

	// The store holds its own copy.
	pcm[0] = 99
	got, err := store.GetSegmentAudio(ctx, "seg-1")
	if err != nil {
		t.Fatalf("GetSegmentAudio: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected audio %v", got)
	}

	_, err = store.GetSegmentAudio(ctx, "missing")
	wantErrType(t, err, core.ErrNotFound)
}

func TestBadgerAudioStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewBadgerAudioStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadgerAudioStore: %v", err)
	}
	defer store.Close()

	pcm := bytes.Repeat([]byte{0x10, 0x20}, 320)
	ref, err := store.PutSegmentAudio(ctx, "seg-1", pcm)
	if err != nil {
		t.Fatalf("PutSegmentAudio: %v", err)
	}
	if ref != "badger://seg-1" {
		t.Fatalf("unexpected ref %q", ref)
	}

	got, err := store.GetSegmentAudio(ctx, "seg-1")
	if err != nil {
		t.Fatalf("GetSegmentAudio: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("audio mismatch: %d bytes vs %d", len(got), len(pcm))
	}

	_, err = store.GetSegmentAudio(ctx, "missing")
	wantErrType(t, err, core.ErrNotFound)
}

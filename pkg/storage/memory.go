package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/howie/storybuddy-sub001/pkg/core"
	"github.com/howie/storybuddy-sub001/pkg/core/types"
)

// MemoryStore keeps everything in process memory. It is the default store
// when no database is configured and the store tests and gateway tests run
// against it. All methods copy records on the way in and out so callers
// never share memory with the store.
type MemoryStore struct {
	mu sync.RWMutex

	sessions     map[string]*types.InteractionSession
	calibrations map[string]*types.NoiseCalibration // keyed by session ID
	segments     map[string][]*types.VoiceSegment   // keyed by session ID, insert order
	segmentIndex map[string]*types.VoiceSegment     // keyed by segment ID
	responses    map[string][]*types.AIResponse
	responseIdx  map[string]*types.AIResponse
	transcripts  map[string]*types.InteractionTranscript // keyed by session ID
	settings     map[string]*types.InteractionSettings   // keyed by parent ID
	stories      map[string]*types.Story
	qaSessions   map[string]*types.QASession
	qaMessages   map[string][]*types.QAMessage
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]*types.InteractionSession),
		calibrations: make(map[string]*types.NoiseCalibration),
		segments:     make(map[string][]*types.VoiceSegment),
		segmentIndex: make(map[string]*types.VoiceSegment),
		responses:    make(map[string][]*types.AIResponse),
		responseIdx:  make(map[string]*types.AIResponse),
		transcripts:  make(map[string]*types.InteractionTranscript),
		settings:     make(map[string]*types.InteractionSettings),
		stories:      make(map[string]*types.Story),
		qaSessions:   make(map[string]*types.QASession),
		qaMessages:   make(map[string][]*types.QAMessage),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// --- interaction sessions ---

func (s *MemoryStore) CreateSession(ctx context.Context, sess *types.InteractionSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return core.NewInvalidStateError("session already exists")
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*types.InteractionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, core.NewNotFoundError("session not found")
	}
	return cloneSession(sess), nil
}

func (s *MemoryStore) UpdateSessionStatus(ctx context.Context, sessionID string, status types.SessionStatus, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[sessionID]
	if !exists {
		return core.NewNotFoundError("session not found")
	}
	sess.Status = status
	// nil never clears an end stamp that is already set.
	if endedAt != nil {
		t := *endedAt
		sess.EndedAt = &t
	}
	return nil
}

// --- calibrations ---

func (s *MemoryStore) CreateCalibration(ctx context.Context, cal *types.NoiseCalibration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calibrations[cal.SessionID]; exists {
		return core.NewInvalidStateError("calibration already exists for session")
	}
	c := *cal
	s.calibrations[cal.SessionID] = &c
	return nil
}

// GetCalibration returns the calibration recorded for a session.
func (s *MemoryStore) GetCalibration(ctx context.Context, sessionID string) (*types.NoiseCalibration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cal, exists := s.calibrations[sessionID]
	if !exists {
		return nil, core.NewNotFoundError("calibration not found")
	}
	c := *cal
	return &c, nil
}

// --- voice segments ---

func (s *MemoryStore) CreateSegment(ctx context.Context, seg *types.VoiceSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.segmentIndex[seg.ID]; exists {
		return core.NewInvalidStateError("segment already exists")
	}
	stored := cloneSegment(seg)
	s.segments[seg.SessionID] = append(s.segments[seg.SessionID], stored)
	s.segmentIndex[seg.ID] = stored
	return nil
}

func (s *MemoryStore) UpdateSegmentTranscript(ctx context.Context, segmentID, transcript string, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, exists := s.segmentIndex[segmentID]
	if !exists {
		return core.NewNotFoundError("segment not found")
	}
	t := transcript
	seg.Transcript = &t
	seg.Confidence = confidence
	return nil
}

func (s *MemoryStore) ListSegments(ctx context.Context, sessionID string) ([]*types.VoiceSegment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.segments[sessionID]
	out := make([]*types.VoiceSegment, 0, len(stored))
	for _, seg := range stored {
		out = append(out, cloneSegment(seg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// --- AI responses ---

func (s *MemoryStore) CreateResponse(ctx context.Context, resp *types.AIResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.responseIdx[resp.ID]; exists {
		return core.NewInvalidStateError("response already exists")
	}
	stored := cloneResponse(resp)
	s.responses[resp.SessionID] = append(s.responses[resp.SessionID], stored)
	s.responseIdx[resp.ID] = stored
	return nil
}

func (s *MemoryStore) MarkResponseInterrupted(ctx context.Context, responseID string, atMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, exists := s.responseIdx[responseID]
	if !exists {
		return core.NewNotFoundError("response not found")
	}
	resp.MarkInterrupted(atMs)
	return nil
}

func (s *MemoryStore) ListResponses(ctx context.Context, sessionID string) ([]*types.AIResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.responses[sessionID]
	out := make([]*types.AIResponse, 0, len(stored))
	for _, resp := range stored {
		out = append(out, cloneResponse(resp))
	}
	return out, nil
}

// --- transcripts ---

func (s *MemoryStore) CreateTranscript(ctx context.Context, tr *types.InteractionTranscript) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transcripts[tr.SessionID]; exists {
		return core.NewInvalidStateError("transcript already exists for session")
	}
	s.transcripts[tr.SessionID] = cloneTranscript(tr)
	return nil
}

// GetTranscript returns the transcript assembled for a session.
func (s *MemoryStore) GetTranscript(ctx context.Context, sessionID string) (*types.InteractionTranscript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, exists := s.transcripts[sessionID]
	if !exists {
		return nil, core.NewNotFoundError("transcript not found")
	}
	return cloneTranscript(tr), nil
}

// --- stories ---

func (s *MemoryStore) CreateStory(ctx context.Context, story *types.Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.stories[story.ID]; exists {
		return core.NewInvalidStateError("story already exists")
	}
	st := *story
	s.stories[story.ID] = &st
	return nil
}

func (s *MemoryStore) GetStory(ctx context.Context, id string) (*types.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	story, exists := s.stories[id]
	if !exists {
		return nil, core.NewNotFoundError("story not found")
	}
	st := *story
	return &st, nil
}

func (s *MemoryStore) ListStories(ctx context.Context) ([]*types.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Story, 0, len(s.stories))
	for _, story := range s.stories {
		st := *story
		out = append(out, &st)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- settings ---

func (s *MemoryStore) GetSettings(ctx context.Context, parentID string) (*types.InteractionSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.settings[parentID]
	if !exists {
		return nil, core.NewNotFoundError("settings not found")
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) PutSettings(ctx context.Context, settings *types.InteractionSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *settings
	s.settings[settings.ParentID] = &cp
	return nil
}

// --- Q&A sessions ---

func (s *MemoryStore) CreateQASession(ctx context.Context, sess *types.QASession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.qaSessions[sess.ID]; exists {
		return core.NewInvalidStateError("qa session already exists")
	}
	s.qaSessions[sess.ID] = cloneQASession(sess)
	return nil
}

func (s *MemoryStore) GetQASession(ctx context.Context, id string) (*types.QASession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.qaSessions[id]
	if !exists {
		return nil, core.NewNotFoundError("qa session not found")
	}
	return cloneQASession(sess), nil
}

func (s *MemoryStore) UpdateQASession(ctx context.Context, sess *types.QASession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.qaSessions[sess.ID]; !exists {
		return core.NewNotFoundError("qa session not found")
	}
	s.qaSessions[sess.ID] = cloneQASession(sess)
	return nil
}

func (s *MemoryStore) AppendExchange(ctx context.Context, sessionID string, child, assistant *types.QAMessage, expectedCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.qaSessions[sessionID]
	if !exists {
		return core.NewNotFoundError("qa session not found")
	}
	if sess.Status != types.QAStatusActive {
		return core.NewInvalidStateError("qa session is not active")
	}
	if sess.MessageCount != expectedCount {
		return core.NewInvalidStateError("qa session changed concurrently")
	}
	s.qaMessages[sessionID] = append(s.qaMessages[sessionID], cloneQAMessage(child), cloneQAMessage(assistant))
	sess.MessageCount += 2
	return nil
}

func (s *MemoryStore) ListQAMessages(ctx context.Context, sessionID string) ([]*types.QAMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.qaMessages[sessionID]
	out := make([]*types.QAMessage, 0, len(stored))
	for _, msg := range stored {
		out = append(out, cloneQAMessage(msg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// --- copy helpers ---

func cloneSession(sess *types.InteractionSession) *types.InteractionSession {
	cp := *sess
	if sess.EndedAt != nil {
		t := *sess.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func cloneSegment(seg *types.VoiceSegment) *types.VoiceSegment {
	cp := *seg
	if seg.EndedAt != nil {
		t := *seg.EndedAt
		cp.EndedAt = &t
	}
	if seg.Transcript != nil {
		tr := *seg.Transcript
		cp.Transcript = &tr
	}
	return &cp
}

func cloneResponse(resp *types.AIResponse) *types.AIResponse {
	cp := *resp
	if resp.InterruptedAtMs != nil {
		ms := *resp.InterruptedAtMs
		cp.InterruptedAtMs = &ms
	}
	return &cp
}

func cloneTranscript(tr *types.InteractionTranscript) *types.InteractionTranscript {
	cp := *tr
	if tr.NotifiedAt != nil {
		t := *tr.NotifiedAt
		cp.NotifiedAt = &t
	}
	return &cp
}

func cloneQASession(sess *types.QASession) *types.QASession {
	cp := *sess
	if sess.EndedAt != nil {
		t := *sess.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func cloneQAMessage(msg *types.QAMessage) *types.QAMessage {
	cp := *msg
	return &cp
}

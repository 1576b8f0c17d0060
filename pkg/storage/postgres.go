package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/howie/storybuddy-sub001/pkg/core"
	"github.com/howie/storybuddy-sub001/pkg/core/types"
)

// PostgresStore persists all engine and Q&A records in Postgres through a
// pgx connection pool. Schema comes from the embedded goose migrations; run
// Migrate before constructing the store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool to dsn and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- interaction sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *types.InteractionSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO interaction_sessions (id, story_id, parent_id, mode, status, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.StoryID, sess.ParentID, string(sess.Mode), string(sess.Status), sess.StartedAt, sess.EndedAt)
	if isUniqueViolation(err) {
		return core.NewInvalidStateError("session already exists")
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*types.InteractionSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, story_id, parent_id, mode, status, started_at, ended_at
		 FROM interaction_sessions WHERE id = $1`, id)

	var sess types.InteractionSession
	var mode, status string
	err := row.Scan(&sess.ID, &sess.StoryID, &sess.ParentID, &mode, &status, &sess.StartedAt, &sess.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFoundError("session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Mode = types.SessionMode(mode)
	sess.Status = types.SessionStatus(status)
	return &sess, nil
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, sessionID string, status types.SessionStatus, endedAt *time.Time) error {
	// COALESCE keeps an end stamp that is already set when a nil comes in.
	tag, err := s.pool.Exec(ctx,
		`UPDATE interaction_sessions SET status = $2, ended_at = COALESCE($3, ended_at) WHERE id = $1`,
		sessionID, string(status), endedAt)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewNotFoundError("session not found")
	}
	return nil
}

// --- calibrations ---

func (s *PostgresStore) CreateCalibration(ctx context.Context, cal *types.NoiseCalibration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO noise_calibrations (id, session_id, noise_floor_db, p90_level_db, sample_count, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cal.ID, cal.SessionID, cal.NoiseFloorDB, cal.P90LevelDB, cal.SampleCount, cal.DurationMs, cal.CreatedAt)
	if isUniqueViolation(err) {
		return core.NewInvalidStateError("calibration already exists for session")
	}
	if err != nil {
		return fmt.Errorf("create calibration: %w", err)
	}
	return nil
}

// GetCalibration returns the calibration recorded for a session.
func (s *PostgresStore) GetCalibration(ctx context.Context, sessionID string) (*types.NoiseCalibration, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, session_id, noise_floor_db, p90_level_db, sample_count, duration_ms, created_at
		 FROM noise_calibrations WHERE session_id = $1`, sessionID)

	var cal types.NoiseCalibration
	err := row.Scan(&cal.ID, &cal.SessionID, &cal.NoiseFloorDB, &cal.P90LevelDB, &cal.SampleCount, &cal.DurationMs, &cal.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFoundError("calibration not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get calibration: %w", err)
	}
	return &cal, nil
}

// --- voice segments ---

func (s *PostgresStore) CreateSegment(ctx context.Context, seg *types.VoiceSegment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_segments (id, session_id, sequence, started_at, ended_at, duration_ms, transcript, confidence, audio_ref, codec)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		seg.ID, seg.SessionID, seg.Sequence, seg.StartedAt, seg.EndedAt, seg.DurationMs, seg.Transcript, seg.Confidence, seg.AudioRef, seg.Codec)
	if isUniqueViolation(err) {
		return core.NewInvalidStateError("segment already exists")
	}
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSegmentTranscript(ctx context.Context, segmentID, transcript string, confidence float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_segments SET transcript = $2, confidence = $3 WHERE id = $1`,
		segmentID, transcript, confidence)
	if err != nil {
		return fmt.Errorf("update segment transcript: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewNotFoundError("segment not found")
	}
	return nil
}

func (s *PostgresStore) ListSegments(ctx context.Context, sessionID string) ([]*types.VoiceSegment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, sequence, started_at, ended_at, duration_ms, transcript, confidence, audio_ref, codec
		 FROM voice_segments WHERE session_id = $1 ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var segs []*types.VoiceSegment
	for rows.Next() {
		var seg types.VoiceSegment
		if err := rows.Scan(&seg.ID, &seg.SessionID, &seg.Sequence, &seg.StartedAt, &seg.EndedAt,
			&seg.DurationMs, &seg.Transcript, &seg.Confidence, &seg.AudioRef, &seg.Codec); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		segs = append(segs, &seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	return segs, nil
}

// --- AI responses ---

func (s *PostgresStore) CreateResponse(ctx context.Context, resp *types.AIResponse) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ai_responses (id, session_id, segment_id, response_text, audio_ref, trigger_type, was_interrupted, interrupted_at_ms, latency_ms, planned_duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		resp.ID, resp.SessionID, resp.SegmentID, resp.Text, resp.AudioRef, string(resp.Trigger),
		resp.WasInterrupted, resp.InterruptedAtMs, resp.LatencyMs, resp.PlannedDurationMs, resp.CreatedAt)
	if isUniqueViolation(err) {
		return core.NewInvalidStateError("response already exists")
	}
	if err != nil {
		return fmt.Errorf("create response: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkResponseInterrupted(ctx context.Context, responseID string, atMs int64) error {
	// Mirrors AIResponse.MarkInterrupted: the offset never exceeds a known
	// planned duration.
	tag, err := s.pool.Exec(ctx,
		`UPDATE ai_responses
		 SET was_interrupted = TRUE,
		     interrupted_at_ms = CASE
		         WHEN planned_duration_ms > 0 AND $2 > planned_duration_ms THEN planned_duration_ms
		         ELSE $2
		     END
		 WHERE id = $1`,
		responseID, atMs)
	if err != nil {
		return fmt.Errorf("mark response interrupted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewNotFoundError("response not found")
	}
	return nil
}

func (s *PostgresStore) ListResponses(ctx context.Context, sessionID string) ([]*types.AIResponse, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, segment_id, response_text, audio_ref, trigger_type, was_interrupted, interrupted_at_ms, latency_ms, planned_duration_ms, created_at
		 FROM ai_responses WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var resps []*types.AIResponse
	for rows.Next() {
		var resp types.AIResponse
		var trigger string
		if err := rows.Scan(&resp.ID, &resp.SessionID, &resp.SegmentID, &resp.Text, &resp.AudioRef, &trigger,
			&resp.WasInterrupted, &resp.InterruptedAtMs, &resp.LatencyMs, &resp.PlannedDurationMs, &resp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		resp.Trigger = types.TriggerType(trigger)
		resps = append(resps, &resp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	return resps, nil
}

// --- transcripts ---

func (s *PostgresStore) CreateTranscript(ctx context.Context, tr *types.InteractionTranscript) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO interaction_transcripts (id, session_id, plain_text, rendered_text, turn_count, duration_ms, notified_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tr.ID, tr.SessionID, tr.PlainText, tr.RenderedText, tr.TurnCount, tr.DurationMs, tr.NotifiedAt, tr.CreatedAt)
	if isUniqueViolation(err) {
		return core.NewInvalidStateError("transcript already exists for session")
	}
	if err != nil {
		return fmt.Errorf("create transcript: %w", err)
	}
	return nil
}

// GetTranscript returns the transcript assembled for a session.
func (s *PostgresStore) GetTranscript(ctx context.Context, sessionID string) (*types.InteractionTranscript, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, session_id, plain_text, rendered_text, turn_count, duration_ms, notified_at, created_at
		 FROM interaction_transcripts WHERE session_id = $1`, sessionID)

	var tr types.InteractionTranscript
	err := row.Scan(&tr.ID, &tr.SessionID, &tr.PlainText, &tr.RenderedText, &tr.TurnCount, &tr.DurationMs, &tr.NotifiedAt, &tr.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFoundError("transcript not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	return &tr, nil
}

// --- stories ---

func (s *PostgresStore) CreateStory(ctx context.Context, story *types.Story) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stories (id, title, content, age_range, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		story.ID, story.Title, story.Content, story.AgeRange, story.CreatedAt)
	if isUniqueViolation(err) {
		return core.NewInvalidStateError("story already exists")
	}
	if err != nil {
		return fmt.Errorf("create story: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStory(ctx context.Context, id string) (*types.Story, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, title, content, age_range, created_at FROM stories WHERE id = $1`, id)

	var story types.Story
	err := row.Scan(&story.ID, &story.Title, &story.Content, &story.AgeRange, &story.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFoundError("story not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get story: %w", err)
	}
	return &story, nil
}

func (s *PostgresStore) ListStories(ctx context.Context) ([]*types.Story, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, content, age_range, created_at FROM stories ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()

	var stories []*types.Story
	for rows.Next() {
		var story types.Story
		if err := rows.Scan(&story.ID, &story.Title, &story.Content, &story.AgeRange, &story.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		stories = append(stories, &story)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	return stories, nil
}

// --- settings ---

func (s *PostgresStore) GetSettings(ctx context.Context, parentID string) (*types.InteractionSettings, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT parent_id, recording_consent, notification_cadence, interruption_threshold_ms, updated_at
		 FROM interaction_settings WHERE parent_id = $1`, parentID)

	var st types.InteractionSettings
	err := row.Scan(&st.ParentID, &st.RecordingConsent, &st.NotificationCadence, &st.InterruptionThresholdMs, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFoundError("settings not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) PutSettings(ctx context.Context, settings *types.InteractionSettings) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO interaction_settings (parent_id, recording_consent, notification_cadence, interruption_threshold_ms, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (parent_id) DO UPDATE SET
		     recording_consent = EXCLUDED.recording_consent,
		     notification_cadence = EXCLUDED.notification_cadence,
		     interruption_threshold_ms = EXCLUDED.interruption_threshold_ms,
		     updated_at = EXCLUDED.updated_at`,
		settings.ParentID, settings.RecordingConsent, settings.NotificationCadence, settings.InterruptionThresholdMs, settings.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put settings: %w", err)
	}
	return nil
}

// --- Q&A sessions ---

func (s *PostgresStore) CreateQASession(ctx context.Context, sess *types.QASession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO qa_sessions (id, story_id, status, message_count, created_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.StoryID, string(sess.Status), sess.MessageCount, sess.CreatedAt, sess.EndedAt)
	if isUniqueViolation(err) {
		return core.NewInvalidStateError("qa session already exists")
	}
	if err != nil {
		return fmt.Errorf("create qa session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetQASession(ctx context.Context, id string) (*types.QASession, error) {
	return s.getQASession(ctx, s.pool, id)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) getQASession(ctx context.Context, q queryRower, id string) (*types.QASession, error) {
	row := q.QueryRow(ctx,
		`SELECT id, story_id, status, message_count, created_at, ended_at
		 FROM qa_sessions WHERE id = $1`, id)

	var sess types.QASession
	var status string
	err := row.Scan(&sess.ID, &sess.StoryID, &status, &sess.MessageCount, &sess.CreatedAt, &sess.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFoundError("qa session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get qa session: %w", err)
	}
	sess.Status = types.QAStatus(status)
	return &sess, nil
}

func (s *PostgresStore) UpdateQASession(ctx context.Context, sess *types.QASession) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE qa_sessions SET status = $2, message_count = $3, ended_at = COALESCE($4, ended_at) WHERE id = $1`,
		sess.ID, string(sess.Status), sess.MessageCount, sess.EndedAt)
	if err != nil {
		return fmt.Errorf("update qa session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewNotFoundError("qa session not found")
	}
	return nil
}

// AppendExchange runs the exchange as one transaction. The message-count
// bump is guarded by a compare-and-set on the count the caller observed, so
// two writers racing on one session cannot both get past the cap.
func (s *PostgresStore) AppendExchange(ctx context.Context, sessionID string, child, assistant *types.QAMessage, expectedCount int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append exchange: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE qa_sessions SET message_count = message_count + 2
		 WHERE id = $1 AND status = $2 AND message_count = $3`,
		sessionID, string(types.QAStatusActive), expectedCount)
	if err != nil {
		return fmt.Errorf("advance message count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.getQASession(ctx, tx, sessionID); err != nil {
			return err
		}
		return core.NewInvalidStateError("qa session changed concurrently")
	}

	for _, msg := range []*types.QAMessage{child, assistant} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO qa_messages (id, session_id, sequence, role, content, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			msg.ID, msg.SessionID, msg.Sequence, string(msg.Role), msg.Content, msg.CreatedAt); err != nil {
			return fmt.Errorf("insert qa message: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListQAMessages(ctx context.Context, sessionID string) ([]*types.QAMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, sequence, role, content, created_at
		 FROM qa_messages WHERE session_id = $1 ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list qa messages: %w", err)
	}
	defer rows.Close()

	var msgs []*types.QAMessage
	for rows.Next() {
		var msg types.QAMessage
		var role string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Sequence, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan qa message: %w", err)
		}
		msg.Role = types.QARole(role)
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list qa messages: %w", err)
	}
	return msgs, nil
}

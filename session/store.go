package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/agentmem/memd/memory"
)

// Store handles persistence of sessions and their message logs.
// It implements memory.TranscriptSource for the extraction pipeline.
type Store struct {
	db *sql.DB
}

// NewStore creates a new session Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create starts a new session for the (user, agent) pair.
func (s *Store) Create(ctx context.Context, userID, agentID string) (Session, error) {
	if userID == "" || agentID == "" {
		return Session{}, fmt.Errorf("%w: user id and agent id are required", memory.ErrInvalidInput)
	}
	now := time.Now()
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := sq.Insert("sessions").
		Columns("id", "user_id", "agent_id", "summary", "created_at", "updated_at").
		Values(sess.ID, sess.UserID, sess.AgentID, "", now.Unix(), now.Unix())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return Session{}, fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return Session{}, fmt.Errorf("insert session: %w", errors.Join(memory.ErrStoreUnavailable, err))
	}
	return sess, nil
}

// Get returns the session or (nil, nil) when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	query := sq.Select("id", "user_id", "agent_id", "summary", "created_at", "updated_at").
		From("sessions").
		Where(sq.Eq{"id": id})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var (
		sess      Session
		createdAt int64
		updatedAt int64
	)
	row := s.db.QueryRowContext(ctx, queryStr, args...)
	err = row.Scan(&sess.ID, &sess.UserID, &sess.AgentID, &sess.Summary, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", errors.Join(memory.ErrStoreUnavailable, err))
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}

// AppendMessage saves one message to the session's transcript log.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role Role, content string) (Message, error) {
	now := time.Now()
	query := sq.Insert("session_messages").
		Columns("session_id", "role", "content", "created_at").
		Values(sessionID, string(role), content, now.Unix())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", errors.Join(memory.ErrStoreUnavailable, err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", errors.Join(memory.ErrStoreUnavailable, err))
	}
	return Message{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}, nil
}

// Messages returns the session's full transcript in order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	query := sq.Select("id", "session_id", "role", "content", "created_at").
		From("session_messages").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("id ASC")

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", errors.Join(memory.ErrStoreUnavailable, err))
	}
	defer rows.Close() //nolint:errcheck // No remedy for rows close errors

	var messages []Message
	for rows.Next() {
		var (
			msg       Message
			role      string
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", errors.Join(memory.ErrStoreUnavailable, err))
		}
		msg.Role = Role(role)
		msg.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", errors.Join(memory.ErrStoreUnavailable, err))
	}
	return messages, nil
}

// AppendSummary appends one synopsis line to the session's summary. The
// summary only ever grows here; trimming the persisted session record is not
// this component's job.
func (s *Store) AppendSummary(ctx context.Context, sessionID, line string) error {
	if line == "" {
		return nil
	}
	now := time.Now().Unix()
	query := sq.Update("sessions").
		Set("summary", sq.Expr("CASE WHEN summary = '' THEN ? ELSE summary || char(10) || ? END", line, line)).
		Set("updated_at", now).
		Where(sq.Eq{"id": sessionID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("append summary: %w", errors.Join(memory.ErrStoreUnavailable, err))
	}
	return nil
}

// Transcript implements memory.TranscriptSource. It enforces that userID owns
// the session: an unknown session is invalid input, a session owned by a
// different user is not authorized.
func (s *Store) Transcript(ctx context.Context, sessionID, userID string) ([]memory.Message, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: unknown session %q", memory.ErrInvalidInput, sessionID)
	}
	if sess.UserID != userID {
		return nil, fmt.Errorf("%w: session %q", memory.ErrNotAuthorized, sessionID)
	}

	messages, err := s.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return lo.Map(messages, func(msg Message, _ int) memory.Message {
		return memory.Message{Role: string(msg.Role), Content: msg.Content}
	}), nil
}

package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
)

// Store manages persistence of memory records. All lookups are scoped to the
// (userId, agentId) ownership key; expired records are excluded from every
// read path but retained in the table for audit until purged.
type Store struct {
	db       *sql.DB
	sim      Similarity
	embedder Embedder // optional; records are saved without embeddings when nil
	logger   zerolog.Logger
	nowFn    func() time.Time
}

// NewStore creates and returns a Store. The similarity capability is required
// (FindSimilar depends on it); the embedder is optional.
func NewStore(db *sql.DB, sim Similarity, embedder Embedder, logger zerolog.Logger) (*Store, error) {
	if sim == nil {
		return nil, errors.New("similarity capability is required")
	}
	logger = logger.With().Str("component", "memory_store").Logger()
	return &Store{
		db:       db,
		sim:      sim,
		embedder: embedder,
		logger:   logger,
		nowFn:    time.Now,
	}, nil
}

func recordColumns() []string {
	return []string{
		"id", "user_id", "agent_id", "kind", "content", "salience",
		"embedding", "source_session_id", "created_at", "last_reinforced_at",
		"expired_at", "expire_reason",
	}
}

// Put inserts a new record. Zero timestamps are filled with the current time.
func (s *Store) Put(ctx context.Context, rec *MemoryRecord) error {
	if strings.TrimSpace(rec.Content) == "" {
		return fmt.Errorf("%w: content is empty", ErrInvalidInput)
	}
	if rec.ID == "" || rec.UserID == "" || rec.AgentID == "" {
		return fmt.Errorf("%w: id, user id, and agent id are required", ErrInvalidInput)
	}

	now := s.nowFn()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastReinforcedAt.IsZero() {
		rec.LastReinforcedAt = now
	}

	if s.embedder != nil && rec.Embedding == nil {
		vec, err := s.embedder.Embed(ctx, rec.Content)
		if err != nil {
			s.logger.Warn().Err(err).Str("id", rec.ID).Msg("embedding failed, saving record without embedding")
		} else {
			rec.Embedding = vec
		}
	}

	var sourceVal interface{}
	if rec.SourceSessionID != nil {
		sourceVal = *rec.SourceSessionID
	}
	var expiredVal interface{}
	if rec.ExpiredAt != nil {
		expiredVal = rec.ExpiredAt.Unix()
	}

	query := sq.Insert("memory_records").
		Columns(recordColumns()...).
		Values(rec.ID, rec.UserID, rec.AgentID, string(rec.Kind), rec.Content, rec.Salience,
			EncodeEmbedding(rec.Embedding), sourceVal, rec.CreatedAt.Unix(), rec.LastReinforcedAt.Unix(),
			expiredVal, nullableString(rec.ExpireReason))

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return storeErr("insert memory record", err)
	}

	s.logger.Debug().
		Str("id", rec.ID).
		Str("user_id", rec.UserID).
		Str("agent_id", rec.AgentID).
		Str("kind", string(rec.Kind)).
		Float64("salience", rec.Salience).
		Msg("memory record stored")
	return nil
}

// Get returns the record with the given id if it is owned by userID.
// Absence and ownership mismatch are both reported as (nil, nil).
func (s *Store) Get(ctx context.Context, id, userID string) (*MemoryRecord, error) {
	query := sq.Select(recordColumns()...).
		From("memory_records").
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"user_id": userID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}

	row := s.db.QueryRowContext(ctx, queryStr, args...)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get memory record", err)
	}
	return rec, nil
}

// ListActive returns all non-expired records for the key, ordered by salience
// descending with last_reinforced_at descending as the tie-break.
func (s *Store) ListActive(ctx context.Context, userID, agentID string) ([]MemoryRecord, error) {
	query := sq.Select(recordColumns()...).
		From("memory_records").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.Eq{"agent_id": agentID}).
		Where(sq.Eq{"expired_at": nil}).
		OrderBy("salience DESC", "last_reinforced_at DESC")

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, storeErr("list active records", err)
	}
	defer rows.Close() //nolint:errcheck // No remedy for rows close errors

	var records []MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr("scan record", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate records", err)
	}
	return records, nil
}

// Delete physically removes the record if it exists and is owned by userID.
// It returns false, not an error, when the record is absent or owned by
// someone else: ownership mismatch must be indistinguishable from absence.
func (s *Store) Delete(ctx context.Context, id, userID string) (bool, error) {
	query := sq.Delete("memory_records").
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"user_id": userID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return false, fmt.Errorf("build delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return false, storeErr("delete memory record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("delete memory record", err)
	}
	if n > 0 {
		s.logger.Info().Str("id", id).Str("user_id", userID).Msg("memory record deleted")
	}
	return n > 0, nil
}

// Reinforce bumps the record's salience by delta (capped at 1.0) and touches
// last_reinforced_at. Expired records are never reinforced.
func (s *Store) Reinforce(ctx context.Context, id string, delta float64) error {
	query := sq.Update("memory_records").
		Set("salience", sq.Expr("MIN(1.0, salience + ?)", delta)).
		Set("last_reinforced_at", s.nowFn().Unix()).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"expired_at": nil})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return storeErr("reinforce memory record", err)
	}
	return nil
}

// MarkExpired transitions the given records out of the active set.
func (s *Store) MarkExpired(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	query := sq.Update("memory_records").
		Set("expired_at", s.nowFn().Unix()).
		Set("expire_reason", reason).
		Where(sq.Eq{"id": ids}).
		Where(sq.Eq{"expired_at": nil})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return storeErr("mark records expired", err)
	}
	return nil
}

// Compact atomically inserts the summary record and expires the folded group
// members, so a timeout can never leave both the summary and its sources
// active at once.
func (s *Store) Compact(ctx context.Context, summary *MemoryRecord, memberIDs []string) error {
	now := s.nowFn()
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = now
	}
	if summary.LastReinforcedAt.IsZero() {
		summary.LastReinforcedAt = now
	}

	if s.embedder != nil && summary.Embedding == nil {
		vec, err := s.embedder.Embed(ctx, summary.Content)
		if err != nil {
			s.logger.Warn().Err(err).Str("id", summary.ID).Msg("embedding failed, saving summary without embedding")
		} else {
			summary.Embedding = vec
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin compaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := sq.Insert("memory_records").
		Columns(recordColumns()...).
		Values(summary.ID, summary.UserID, summary.AgentID, string(summary.Kind), summary.Content,
			summary.Salience, EncodeEmbedding(summary.Embedding), nil,
			summary.CreatedAt.Unix(), summary.LastReinforcedAt.Unix(), nil, nil)

	queryStr, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return storeErr("insert summary record", err)
	}

	expire := sq.Update("memory_records").
		Set("expired_at", now.Unix()).
		Set("expire_reason", ExpireReasonCompacted).
		Where(sq.Eq{"id": memberIDs}).
		Where(sq.Eq{"expired_at": nil})

	queryStr, args, err = expire.ToSql()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return storeErr("expire compacted records", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit compaction", err)
	}

	s.logger.Info().
		Str("id", summary.ID).
		Str("user_id", summary.UserID).
		Str("agent_id", summary.AgentID).
		Int("members", len(memberIDs)).
		Msg("records compacted into summary")
	return nil
}

// FindSimilar returns the active record for the key whose content is most
// similar to content, provided its score meets threshold. A similarity
// capability failure surfaces as ErrCapabilityUnavailable.
func (s *Store) FindSimilar(ctx context.Context, userID, agentID, content string, threshold float64) (*MemoryRecord, error) {
	records, err := s.ListActive(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}

	var best *MemoryRecord
	var bestScore float64
	for i := range records {
		score, err := s.sim.Score(ctx, content, records[i].Content)
		if err != nil {
			return nil, capabilityErr("similarity score", err)
		}
		if score >= threshold && score > bestScore {
			best = &records[i]
			bestScore = score
		}
	}
	return best, nil
}

// CountActive returns the number of non-expired records for the key.
func (s *Store) CountActive(ctx context.Context, userID, agentID string) (int, error) {
	query := sq.Select("COUNT(*)").
		From("memory_records").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.Eq{"agent_id": agentID}).
		Where(sq.Eq{"expired_at": nil})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build select query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, queryStr, args...).Scan(&n); err != nil {
		return 0, storeErr("count active records", err)
	}
	return n, nil
}

// Keys returns the distinct (userId, agentId) pairs that currently have
// active records. The scheduler uses this to enumerate sweep targets.
func (s *Store) Keys(ctx context.Context) ([]Key, error) {
	query := sq.Select("DISTINCT user_id", "agent_id").
		From("memory_records").
		Where(sq.Eq{"expired_at": nil})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, storeErr("list keys", err)
	}
	defer rows.Close() //nolint:errcheck // No remedy for rows close errors

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.UserID, &k.AgentID); err != nil {
			return nil, storeErr("scan key", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate keys", err)
	}
	return keys, nil
}

// PurgeExpiredBefore physically deletes records expired before cutoff.
// Expired rows are kept for audit until this sweep removes them.
func (s *Store) PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := sq.Delete("memory_records").
		Where(sq.NotEq{"expired_at": nil}).
		Where(sq.Lt{"expired_at": cutoff.Unix()})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return 0, storeErr("purge expired records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("purge expired records", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*MemoryRecord, error) {
	var (
		rec          MemoryRecord
		kind         string
		embBlob      []byte
		source       sql.NullString
		createdAt    int64
		reinforcedAt int64
		expiredAt    sql.NullInt64
		expireReason sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.AgentID, &kind, &rec.Content, &rec.Salience,
		&embBlob, &source, &createdAt, &reinforcedAt, &expiredAt, &expireReason); err != nil {
		return nil, err
	}
	rec.Kind = Kind(kind)
	vec, err := DecodeEmbedding(embBlob)
	if err != nil {
		return nil, err
	}
	rec.Embedding = vec
	if source.Valid {
		v := source.String
		rec.SourceSessionID = &v
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.LastReinforcedAt = time.Unix(reinforcedAt, 0)
	if expiredAt.Valid {
		t := time.Unix(expiredAt.Int64, 0)
		rec.ExpiredAt = &t
	}
	if expireReason.Valid {
		rec.ExpireReason = expireReason.String
	}
	return &rec, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

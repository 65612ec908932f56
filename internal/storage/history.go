package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"rafined/internal/model"
	"rafined/internal/protocol"
)

var ErrNotFound = errors.New("not found")

var historyColumns = []string{"id", "original_prompt", "enhanced_prompt", "target_model", "created_at_ms", "used"}

// GetHistory returns the owner's entries, newest first.
func (s *Store) GetHistory(ctx context.Context, owner string) ([]model.HistoryEntry, error) {
	q := s.sql.Select(historyColumns...).
		From("history").
		Where(sq.Eq{"owner": owner}).
		OrderBy("created_at_ms DESC", "seq DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get history query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	out := make([]model.HistoryEntry, 0)
	for rows.Next() {
		var e model.HistoryEntry
		var target string
		var ms int64
		if err := rows.Scan(&e.ID, &e.OriginalPrompt, &e.EnhancedPrompt, &target, &ms, &e.Used); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.TargetModel = protocol.TargetModel(target)
		e.Timestamp = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

// AddToHistory stores e under a fresh id and evicts the owner's oldest
// entries beyond the history limit.
func (s *Store) AddToHistory(ctx context.Context, owner string, e model.NewHistoryEntry) (model.HistoryEntry, error) {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	entry := model.HistoryEntry{
		ID:             uuid.NewString(),
		OriginalPrompt: e.OriginalPrompt,
		EnhancedPrompt: e.EnhancedPrompt,
		TargetModel:    e.TargetModel,
		Timestamp:      time.UnixMilli(ts.UnixMilli()).UTC(),
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ins := s.sql.Insert("history").
			Columns("id", "owner", "original_prompt", "enhanced_prompt", "target_model", "created_at_ms", "used").
			Values(entry.ID, owner, entry.OriginalPrompt, entry.EnhancedPrompt, string(entry.TargetModel), ts.UnixMilli(), false)
		sqlStr, args, err := ins.ToSql()
		if err != nil {
			return fmt.Errorf("build add history query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("add history: %w", err)
		}
		return s.evict(ctx, tx, owner)
	})
	if err != nil {
		return model.HistoryEntry{}, err
	}
	return entry, nil
}

func (s *Store) evict(ctx context.Context, q queryer, owner string) error {
	keep := sq.Select("seq").
		From("history").
		Where(sq.Eq{"owner": owner}).
		OrderBy("created_at_ms DESC", "seq DESC").
		Limit(uint64(s.historyLimit))
	del := s.sql.Delete("history").
		Where(sq.Eq{"owner": owner}).
		Where(sq.Expr("seq NOT IN (?)", keep))
	sqlStr, args, err := del.ToSql()
	if err != nil {
		return fmt.Errorf("build evict history query: %w", err)
	}
	if _, err := q.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("evict history: %w", err)
	}
	return nil
}

func (s *Store) MarkHistoryUsed(ctx context.Context, owner, id string) error {
	q := s.sql.Update("history").
		Set("used", true).
		Where(sq.Eq{"owner": owner, "id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build mark history used query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("mark history used: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ClearHistory(ctx context.Context, owner string) error {
	q := s.sql.Delete("history").Where(sq.Eq{"owner": owner})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build clear history query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"rafined/internal/crypto"
	"rafined/internal/model"
)

// GetSettings returns the owner's settings, or the defaults when nothing has
// been saved yet. Keys sealed under a retired key are resealed on read.
func (s *Store) GetSettings(ctx context.Context, owner string) (model.Settings, error) {
	out, raw, err := s.getSettings(ctx, s.db, owner)
	if err != nil {
		return model.Settings{}, err
	}
	if s.keyring != nil && raw != "" && (!crypto.IsSealed(raw) || s.keyring.NeedsRotation(raw)) {
		if err := s.writeAPIKey(ctx, owner, out.APIKey); err != nil {
			s.logger.Warn().Err(err).Str("owner", owner).Msg("failed to reseal api key")
		}
	}
	return out, nil
}

// SaveSettings merges patch into the stored settings and returns the result.
func (s *Store) SaveSettings(ctx context.Context, owner string, patch model.SettingsPatch) (model.Settings, error) {
	var out model.Settings
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, _, err := s.getSettings(ctx, tx, owner)
		if err != nil {
			return err
		}
		out = patch.Apply(cur)

		enc, err := s.sealAPIKey(out.APIKey)
		if err != nil {
			return err
		}
		q := s.sql.Insert("settings").
			Columns("owner", "enc_api_key", "tone", "add_output_format", "keep_concise", "updated_at_ms").
			Values(owner, enc, string(out.Tone), out.AddOutputFormat, out.KeepConcise, s.now().UnixMilli()).
			Suffix("ON CONFLICT(owner) DO UPDATE SET enc_api_key=excluded.enc_api_key, tone=excluded.tone, add_output_format=excluded.add_output_format, keep_concise=excluded.keep_concise, updated_at_ms=excluded.updated_at_ms")

		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build save settings query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Settings{}, err
	}
	return out, nil
}

func (s *Store) getSettings(ctx context.Context, q queryer, owner string) (model.Settings, string, error) {
	sel := s.sql.Select("enc_api_key", "tone", "add_output_format", "keep_concise").
		From("settings").
		Where(sq.Eq{"owner": owner})
	sqlStr, args, err := sel.ToSql()
	if err != nil {
		return model.Settings{}, "", fmt.Errorf("build get settings query: %w", err)
	}

	out := model.DefaultSettings()
	var raw, tone string
	if err := q.QueryRowContext(ctx, sqlStr, args...).Scan(&raw, &tone, &out.AddOutputFormat, &out.KeepConcise); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.DefaultSettings(), "", nil
		}
		return model.Settings{}, "", fmt.Errorf("get settings: %w", err)
	}
	if t, err := model.ParseTone(tone); err == nil {
		out.Tone = t
	}
	key, err := s.openAPIKey(raw)
	if err != nil {
		return model.Settings{}, "", err
	}
	out.APIKey = key
	return out, raw, nil
}

func (s *Store) writeAPIKey(ctx context.Context, owner, apiKey string) error {
	enc, err := s.sealAPIKey(apiKey)
	if err != nil {
		return err
	}
	q := s.sql.Update("settings").
		Set("enc_api_key", enc).
		Where(sq.Eq{"owner": owner})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build reseal query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("reseal api key: %w", err)
	}
	return nil
}

func (s *Store) sealAPIKey(apiKey string) (string, error) {
	if apiKey == "" || s.keyring == nil {
		return apiKey, nil
	}
	enc, err := s.keyring.Seal(apiKey)
	if err != nil {
		return "", fmt.Errorf("seal api key: %w", err)
	}
	return enc, nil
}

// openAPIKey treats unsealed values as clear text so a keyring can be added
// to an existing database.
func (s *Store) openAPIKey(raw string) (string, error) {
	if raw == "" || !crypto.IsSealed(raw) {
		return raw, nil
	}
	if s.keyring == nil {
		return "", fmt.Errorf("api key is sealed but no keyring is configured")
	}
	plain, err := s.keyring.Open(raw)
	if err != nil {
		return "", fmt.Errorf("open api key: %w", err)
	}
	return plain, nil
}

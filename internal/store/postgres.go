package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const settingsKeyAnnouncement = "announcement"

const userColumns = `id, email, username, role, plan, daily_message_count,
	last_count_reset_date, message_limit_override, streak_days,
	last_streak_date, created_at`

// PostgresStore is the later-variant Store: the same contract mapped onto an
// equivalent table set. Chats embed their messages as JSONB, matching the
// single-document layout. Read-modify-write calls run in a transaction with
// row locks, which gives the same no-lost-update guarantee the file store
// gets from its writer mutex.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing connection pool. The caller owns migrations.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *PostgresStore) PutUser(ctx context.Context, u *User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, username, role, plan, daily_message_count,
		     last_count_reset_date, message_limit_override, streak_days,
		     last_streak_date, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		     email = EXCLUDED.email,
		     username = EXCLUDED.username,
		     role = EXCLUDED.role,
		     plan = EXCLUDED.plan,
		     daily_message_count = EXCLUDED.daily_message_count,
		     last_count_reset_date = EXCLUDED.last_count_reset_date,
		     message_limit_override = EXCLUDED.message_limit_override,
		     streak_days = EXCLUDED.streak_days,
		     last_streak_date = EXCLUDED.last_streak_date`,
		u.ID, u.Email, u.Username, u.Role, u.Plan, u.DailyMessageCount,
		u.LastCountResetDate, u.MessageLimitOverride, u.StreakDays,
		u.LastStreakDate, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, id string, fn func(*User) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning user update: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
	u, err := scanUser(row)
	if err != nil {
		return err
	}
	if u == nil {
		return ErrNotFound
	}

	if err := fn(u); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET
		     email = $2, username = $3, role = $4, plan = $5,
		     daily_message_count = $6, last_count_reset_date = $7,
		     message_limit_override = $8, streak_days = $9, last_streak_date = $10
		 WHERE id = $1`,
		u.ID, u.Email, u.Username, u.Role, u.Plan, u.DailyMessageCount,
		u.LastCountResetDate, u.MessageLimitOverride, u.StreakDays, u.LastStreakDate)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, title, messages, visibility, created_at
		 FROM chats WHERE id = $1`, id)
	return scanChat(row)
}

func (s *PostgresStore) CreateChat(ctx context.Context, c *Chat) error {
	msgs, err := marshalMessages(c.Messages)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO chats (id, owner_id, title, messages, visibility, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.OwnerID, c.Title, msgs, c.Visibility, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting chat: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChatsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Chat, int64, error) {
	if limit <= 0 {
		limit = 1<<31 - 1
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, title, messages, visibility, created_at
		 FROM chats WHERE owner_id = $1
		 ORDER BY created_at DESC, id
		 LIMIT $2 OFFSET $3`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing chats: %w", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, 0, err
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing chats: %w", err)
	}

	var total int64
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chats WHERE owner_id = $1`, ownerID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting chats: %w", err)
	}
	return chats, total, nil
}

func (s *PostgresStore) AppendExchange(ctx context.Context, chatID string, userMsg, assistantMsg Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning exchange append: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT messages FROM chats WHERE id = $1 FOR UPDATE`, chatID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("locking chat: %w", err)
	}

	var msgs []Message
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return fmt.Errorf("unmarshaling messages: %w", err)
		}
	}
	msgs = append(msgs, userMsg, assistantMsg)

	updated, err := marshalMessages(msgs)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE chats SET messages = $2 WHERE id = $1`, chatID, updated); err != nil {
		return fmt.Errorf("appending exchange: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SetChatTitle(ctx context.Context, chatID, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chats SET title = $2 WHERE id = $1`, chatID, title)
	if err != nil {
		return fmt.Errorf("setting chat title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetChatVisibility(ctx context.Context, chatID, visibility string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chats SET visibility = $2 WHERE id = $1`, chatID, visibility)
	if err != nil {
		return fmt.Errorf("setting chat visibility: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteChat(ctx context.Context, chatID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chats WHERE id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("deleting chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetSettings(ctx context.Context) (Settings, error) {
	var announcement string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = $1`, settingsKeyAnnouncement).Scan(&announcement)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("fetching settings: %w", err)
	}
	return Settings{Announcement: announcement}, nil
}

func (s *PostgresStore) SetAnnouncement(ctx context.Context, text string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		settingsKeyAnnouncement, text)
	if err != nil {
		return fmt.Errorf("setting announcement: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, prefix string) (*APIKey, error) {
	var (
		k        APIKey
		lastUsed *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT prefix, hashed_key, user_id, active, last_used
		 FROM api_keys WHERE prefix = $1`, prefix,
	).Scan(&k.Prefix, &k.HashedKey, &k.UserID, &k.Active, &lastUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching api key: %w", err)
	}
	if lastUsed != nil {
		k.LastUsed = *lastUsed
	}
	return &k, nil
}

func (s *PostgresStore) PutAPIKey(ctx context.Context, k *APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (prefix, hashed_key, user_id, active)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (prefix) DO UPDATE SET
		     hashed_key = EXCLUDED.hashed_key,
		     user_id = EXCLUDED.user_id,
		     active = EXCLUDED.active`,
		k.Prefix, k.HashedKey, k.UserID, k.Active)
	if err != nil {
		return fmt.Errorf("upserting api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchAPIKey(ctx context.Context, prefix string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used = NOW() WHERE prefix = $1`, prefix)
	if err != nil {
		return fmt.Errorf("touching api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.Role, &u.Plan,
		&u.DailyMessageCount, &u.LastCountResetDate, &u.MessageLimitOverride,
		&u.StreakDays, &u.LastStreakDate, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

func scanChat(row pgx.Row) (*Chat, error) {
	var (
		c   Chat
		raw []byte
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &raw, &c.Visibility, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning chat: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c.Messages); err != nil {
			return nil, fmt.Errorf("unmarshaling messages: %w", err)
		}
	}
	return &c, nil
}

func marshalMessages(msgs []Message) ([]byte, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("marshaling messages: %w", err)
	}
	return data, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DB implements Store on top of database/sql.
type DB struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
	now     func() time.Time
}

var _ Store = (*DB)(nil)

// OpenSQLite opens (creating if needed) the SQLite file at path and migrates it.
// Foreign keys are enabled so channel deletes cascade and category deletes
// detach channels.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=1&_busy_timeout=5000", path)
	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps the pragmas and write ordering simple.
	db.SetMaxOpenConns(1)
	return open(ctx, db, sqliteDialect, logger)
}

// OpenPostgres connects to the PostgreSQL server described by dsn and migrates it.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(30 * time.Second)
	return open(ctx, db, postgresDialect, logger)
}

func open(ctx context.Context, db *sql.DB, d dialect, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", d.name, err)
	}
	s := &DB{
		db:      db,
		dialect: d,
		logger:  logger.Named("store").With(zap.String("driver", d.name)),
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) migrate(ctx context.Context) error {
	for i, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate stmt %d: %w", i, err)
		}
	}
	s.logger.Debug("schema ready", zap.Int("statements", len(s.dialect.schema)))
	return nil
}

// Seed creates the default categories and channels when no category exists yet.
func (s *DB) Seed(ctx context.Context) error {
	var count int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM categories`).Scan(&count); err != nil {
		return s.wrap("count categories", err)
	}
	if count > 0 {
		return nil
	}
	text, err := s.CreateCategory(ctx, "Text")
	if err != nil {
		return err
	}
	if _, err := s.CreateCategory(ctx, "Voice"); err != nil {
		return err
	}
	defaults := []struct{ name, description string }{
		{"general", "General discussion"},
		{"random", "Anything goes"},
		{"help", "Need a hand?"},
	}
	for _, ch := range defaults {
		if _, err := s.CreateChannel(ctx, ch.name, ch.description, &text.ID); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
	}
	s.logger.Info("seeded default categories and channels")
	return nil
}

func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

// wrap maps driver errors onto the package sentinels and adds context.
func (s *DB) wrap(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if mapped := s.dialect.classify(err); mapped != nil {
		return fmt.Errorf("%s: %w", op, mapped)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// --- categories ---

const categoryColumns = `id, name, position, created_at`

func scanCategory(row interface{ Scan(...any) error }) (Category, error) {
	var c Category
	if err := row.Scan(&c.ID, &c.Name, &c.Position, scanTime(&c.CreatedAt)); err != nil {
		return Category{}, err
	}
	c.Channels = []Channel{}
	return c, nil
}

func (s *DB) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.query(ctx, `SELECT `+categoryColumns+` FROM categories ORDER BY position, id`)
	if err != nil {
		return nil, s.wrap("list categories", err)
	}
	defer rows.Close()

	categories := []Category{}
	index := map[int64]int{}
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, s.wrap("scan category", err)
		}
		index[c.ID] = len(categories)
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list categories", err)
	}

	channels, err := s.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		if ch.CategoryID == nil {
			continue
		}
		if i, ok := index[*ch.CategoryID]; ok {
			categories[i].Channels = append(categories[i].Channels, ch)
		}
	}
	return categories, nil
}

func (s *DB) GetCategory(ctx context.Context, id int64) (Category, error) {
	c, err := scanCategory(s.queryRow(ctx, `SELECT `+categoryColumns+` FROM categories WHERE id = ?`, id))
	if err != nil {
		return Category{}, s.wrap("get category", err)
	}
	return c, nil
}

func (s *DB) CreateCategory(ctx context.Context, name string) (Category, error) {
	c, err := scanCategory(s.queryRow(ctx,
		`INSERT INTO categories (name, position, created_at)
		VALUES (?, (SELECT COALESCE(MAX(position), -1) + 1 FROM categories), ?)
		RETURNING `+categoryColumns,
		name, s.now()))
	if err != nil {
		return Category{}, s.wrap("create category", err)
	}
	s.logger.Info("category created", zap.Int64("id", c.ID), zap.String("name", c.Name))
	return c, nil
}

func (s *DB) RenameCategory(ctx context.Context, id int64, name string) (Category, error) {
	c, err := scanCategory(s.queryRow(ctx,
		`UPDATE categories SET name = ? WHERE id = ? RETURNING `+categoryColumns, name, id))
	if err != nil {
		return Category{}, s.wrap("rename category", err)
	}
	return c, nil
}

func (s *DB) DeleteCategory(ctx context.Context, id int64) (Category, error) {
	c, err := scanCategory(s.queryRow(ctx,
		`DELETE FROM categories WHERE id = ? RETURNING `+categoryColumns, id))
	if err != nil {
		return Category{}, s.wrap("delete category", err)
	}
	s.logger.Info("category deleted", zap.Int64("id", c.ID), zap.String("name", c.Name))
	return c, nil
}

// --- channels ---

const channelColumns = `id, name, description, category_id, created_at`

func scanChannel(row interface{ Scan(...any) error }) (Channel, error) {
	var (
		ch       Channel
		category sql.NullInt64
	)
	if err := row.Scan(&ch.ID, &ch.Name, &ch.Description, &category, scanTime(&ch.CreatedAt)); err != nil {
		return Channel{}, err
	}
	if category.Valid {
		id := category.Int64
		ch.CategoryID = &id
	}
	return ch, nil
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func (s *DB) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.query(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY created_at, id`)
	if err != nil {
		return nil, s.wrap("list channels", err)
	}
	defer rows.Close()

	channels := []Channel{}
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, s.wrap("scan channel", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list channels", err)
	}
	return channels, nil
}

func (s *DB) GetChannel(ctx context.Context, id int64) (Channel, error) {
	ch, err := scanChannel(s.queryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id))
	if err != nil {
		return Channel{}, s.wrap("get channel", err)
	}
	return ch, nil
}

func (s *DB) CreateChannel(ctx context.Context, name, description string, categoryID *int64) (Channel, error) {
	ch, err := scanChannel(s.queryRow(ctx,
		`INSERT INTO channels (name, description, category_id, created_at)
		VALUES (?, ?, ?, ?) RETURNING `+channelColumns,
		name, description, nullID(categoryID), s.now()))
	if err != nil {
		return Channel{}, s.wrap("create channel", err)
	}
	s.logger.Info("channel created", zap.Int64("id", ch.ID), zap.String("name", ch.Name))
	return ch, nil
}

func (s *DB) UpdateChannel(ctx context.Context, id int64, name, description string) (Channel, error) {
	ch, err := scanChannel(s.queryRow(ctx,
		`UPDATE channels SET name = ?, description = ? WHERE id = ? RETURNING `+channelColumns,
		name, description, id))
	if err != nil {
		return Channel{}, s.wrap("update channel", err)
	}
	return ch, nil
}

func (s *DB) DeleteChannel(ctx context.Context, id int64) (Channel, error) {
	ch, err := scanChannel(s.queryRow(ctx,
		`DELETE FROM channels WHERE id = ? RETURNING `+channelColumns, id))
	if err != nil {
		return Channel{}, s.wrap("delete channel", err)
	}
	s.logger.Info("channel deleted", zap.Int64("id", ch.ID), zap.String("name", ch.Name))
	return ch, nil
}

func (s *DB) MoveChannel(ctx context.Context, id int64, categoryID *int64) (Channel, error) {
	ch, err := scanChannel(s.queryRow(ctx,
		`UPDATE channels SET category_id = ? WHERE id = ? RETURNING `+channelColumns,
		nullID(categoryID), id))
	if err != nil {
		return Channel{}, s.wrap("move channel", err)
	}
	return ch, nil
}

// --- messages ---

const messageColumns = `id, channel_id, author, content, sent_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.ChannelID, &m.Author, &m.Content, scanTime(&m.Timestamp)); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *DB) CreateMessage(ctx context.Context, channelID int64, author, content string) (Message, error) {
	m, err := scanMessage(s.queryRow(ctx,
		`INSERT INTO messages (channel_id, author, content, sent_at)
		VALUES (?, ?, ?, ?) RETURNING `+messageColumns,
		channelID, author, content, s.now()))
	if err != nil {
		return Message{}, s.wrap("create message", err)
	}
	return m, nil
}

func (s *DB) CountMessages(ctx context.Context, channelID int64) (int, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM messages WHERE channel_id = ?`, channelID).Scan(&n); err != nil {
		return 0, s.wrap("count messages", err)
	}
	return n, nil
}

func (s *DB) DeleteOldestMessage(ctx context.Context, channelID int64) error {
	_, err := s.exec(ctx,
		`DELETE FROM messages WHERE id = (
			SELECT id FROM messages WHERE channel_id = ? ORDER BY sent_at, id LIMIT 1
		)`, channelID)
	if err != nil {
		return s.wrap("delete oldest message", err)
	}
	return nil
}

func (s *DB) ListMessages(ctx context.Context, channelID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}
	rows, err := s.query(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE channel_id = ? ORDER BY sent_at DESC, id DESC LIMIT ?
		) recent ORDER BY sent_at, id`, channelID, limit)
	if err != nil {
		return nil, s.wrap("list messages", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, s.wrap("scan message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list messages", err)
	}
	return messages, nil
}

// --- users ---

const userColumns = `id, username, password, profile_image, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var (
		u        User
		password sql.NullString
		image    sql.NullString
	)
	if err := row.Scan(&u.ID, &u.Username, &password, &image, scanTime(&u.CreatedAt)); err != nil {
		return User{}, err
	}
	u.PasswordHash = password.String
	u.ProfileImage = image.String
	return u, nil
}

func (s *DB) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	var password sql.NullString
	if passwordHash != "" {
		password = sql.NullString{String: passwordHash, Valid: true}
	}
	u, err := scanUser(s.queryRow(ctx,
		`INSERT INTO users (username, password, created_at) VALUES (?, ?, ?) RETURNING `+userColumns,
		strings.TrimSpace(username), password, s.now()))
	if err != nil {
		return User{}, s.wrap("create user", err)
	}
	s.logger.Info("user created", zap.String("username", u.Username))
	return u, nil
}

func (s *DB) GetUser(ctx context.Context, username string) (User, error) {
	u, err := scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if err != nil {
		return User{}, s.wrap("get user", err)
	}
	return u, nil
}

func (s *DB) SetPassword(ctx context.Context, username, passwordHash string) error {
	res, err := s.exec(ctx, `UPDATE users SET password = ? WHERE username = ?`, passwordHash, username)
	if err != nil {
		return s.wrap("set password", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("set password: %w", ErrNotFound)
	}
	return nil
}

func (s *DB) SetProfileImage(ctx context.Context, username, image string) (User, error) {
	u, err := scanUser(s.queryRow(ctx,
		`UPDATE users SET profile_image = ? WHERE username = ? RETURNING `+userColumns, image, username))
	if err != nil {
		return User{}, s.wrap("set profile image", err)
	}
	return u, nil
}

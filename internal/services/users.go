package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coursepilot/internal/canvas"
	"coursepilot/internal/config"
	"coursepilot/internal/models"
)

// ErrUserNotFound is returned for lookups of unknown users.
var ErrUserNotFound = errors.New("user not found")

// UserService manages accounts and their stored Canvas credentials. Session
// cookies are encrypted at rest; they never leave this layer in cleartext
// except inside a resolved Credential.
type UserService struct {
	db  *sql.DB
	cfg config.Config
}

func NewUserService(db *sql.DB, cfg config.Config) *UserService {
	return &UserService{db: db, cfg: cfg}
}

const userColumns = `id, canvas_user_id, name, email, instance_url, access_token, session_cookie, last_sync, created_at, updated_at`

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.CanvasUserID, &u.Name, &u.Email, &u.InstanceURL,
		&u.AccessToken, &u.SessionCookie, &u.LastSync, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *UserService) ByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (s *UserService) ByCanvasID(ctx context.Context, canvasUserID string) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE canvas_user_id = ?`, canvasUserID))
}

// Connect validates a credential against Canvas and stores it. The remote
// identity keys the account: reconnecting the same Canvas user updates the
// existing row. Cookies are encrypted before hitting the database.
func (s *UserService) Connect(ctx context.Context, instanceURL, accessToken, sessionCookie string, source canvas.Source) (*models.User, error) {
	remote, err := source.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}

	storedCookie := sql.NullString{}
	if sessionCookie != "" {
		sealed, err := canvas.EncryptSecret(sessionCookie, s.cfg.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("encrypt session cookie: %w", err)
		}
		storedCookie = sql.NullString{String: sealed, Valid: true}
	}
	storedToken := sql.NullString{String: accessToken, Valid: accessToken != ""}
	storedURL := sql.NullString{String: instanceURL, Valid: instanceURL != ""}

	name := remote.Name
	if name == "" {
		name = "Canvas User"
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (canvas_user_id, name, email, instance_url, access_token, session_cookie, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(canvas_user_id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			instance_url = excluded.instance_url,
			access_token = excluded.access_token,
			session_cookie = excluded.session_cookie,
			updated_at = excluded.updated_at`,
		remote.ID, name, remote.Email, storedURL, storedToken, storedCookie, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}

	return s.ByCanvasID(ctx, remote.ID)
}

// RefreshSessionCookie replaces just the stored cookie for an existing user.
func (s *UserService) RefreshSessionCookie(ctx context.Context, userID int64, sessionCookie string) error {
	sealed, err := canvas.EncryptSecret(sessionCookie, s.cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("encrypt session cookie: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET session_cookie = ?, updated_at = ? WHERE id = ?`,
		sealed, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("update session cookie: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

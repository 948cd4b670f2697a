// Package app persists the user-facing application catalog: who owns which
// generated app, its visibility, preview deployment and latest screenshot.
package app

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ntheanh201/vibesdk/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	email        TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS apps (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL REFERENCES users(id),
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	project_name   TEXT NOT NULL DEFAULT '',
	visibility     TEXT NOT NULL DEFAULT 'private',
	preview_url    TEXT NOT NULL DEFAULT '',
	repository_url TEXT NOT NULL DEFAULT '',
	screenshot_url TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_apps_user ON apps(user_id);
`

// Visibility values for an app.
const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// User is one account row.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// App is one generated application row.
type App struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	ProjectName   string    `json:"projectName"`
	Visibility    string    `json:"visibility"`
	PreviewURL    string    `json:"previewUrl"`
	RepositoryURL string    `json:"repositoryUrl"`
	ScreenshotURL string    `json:"screenshotUrl"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Service is the application catalog over SQLite.
type Service struct {
	db *sql.DB
}

// OpenService opens (or creates) the catalog database. An empty path opens
// an in-memory database.
func OpenService(dbPath string) (*Service, error) {
	dsn := ":memory:"
	if dbPath != "" {
		dsn = dbPath + "?_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening app database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating app schema: %w", err)
	}
	return &Service{db: db}, nil
}

// NewServiceWithDB wraps an existing handle, applying the schema.
func NewServiceWithDB(db *sql.DB) (*Service, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating app schema: %w", err)
	}
	return &Service{db: db}, nil
}

// Close closes the database.
func (s *Service) Close() error { return s.db.Close() }

// CreateUser registers an account. Creating an email twice returns the
// existing user.
func (s *Service) CreateUser(email, displayName string) (*User, error) {
	if existing, err := s.UserByEmail(email); err == nil && existing != nil {
		return existing, nil
	}
	u := &User{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   time.Now(),
	}
	_, err := s.db.Exec(
		`INSERT INTO users (id, email, display_name, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.DisplayName, u.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// UserByEmail looks up an account. A missing account returns (nil, nil).
func (s *Service) UserByEmail(email string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, email, display_name, created_at FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// UserByID looks up an account by id. A missing account returns (nil, nil).
func (s *Service) UserByID(id string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, email, display_name, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var created int64
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading user: %w", err)
	}
	u.CreatedAt = time.Unix(created, 0)
	return &u, nil
}

// CreateApp registers a generated application for a user.
func (s *Service) CreateApp(userID, title, description, projectName string) (*App, error) {
	now := time.Now()
	a := &App{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       title,
		Description: description,
		ProjectName: projectName,
		Visibility:  VisibilityPrivate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.Exec(
		`INSERT INTO apps (id, user_id, title, description, project_name, visibility, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Title, a.Description, a.ProjectName, a.Visibility, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("creating app: %w", err)
	}
	return a, nil
}

// GetApp loads one app. A missing app returns a not-found domain error.
func (s *Service) GetApp(id string) (*App, error) {
	row := s.db.QueryRow(appSelect+` WHERE id = ?`, id)
	a, err := scanApp(row)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, core.ErrNotFound("APP_NOT_FOUND", fmt.Sprintf("app %s does not exist", id))
	}
	return a, nil
}

// ListAppsByUser returns every app a user owns, newest first.
func (s *Service) ListAppsByUser(userID string) ([]*App, error) {
	rows, err := s.db.Query(appSelect+` WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing apps: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanApps(rows)
}

// ListPublicApps returns publicly visible apps, newest first.
func (s *Service) ListPublicApps(limit int) ([]*App, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(appSelect+` WHERE visibility = ? ORDER BY created_at DESC LIMIT ?`, VisibilityPublic, limit)
	if err != nil {
		return nil, fmt.Errorf("listing public apps: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanApps(rows)
}

// UpdateAppVisibility toggles app visibility.
func (s *Service) UpdateAppVisibility(id, visibility string) error {
	if visibility != VisibilityPrivate && visibility != VisibilityPublic {
		return core.ErrValidation("VISIBILITY", fmt.Sprintf("unknown visibility %q", visibility))
	}
	return s.updateColumn(id, "visibility", visibility)
}

// UpdateAppPreviewURL records the live preview URL after deployment.
func (s *Service) UpdateAppPreviewURL(id, previewURL string) error {
	return s.updateColumn(id, "preview_url", previewURL)
}

// UpdateAppRepositoryURL records the exported repository URL.
func (s *Service) UpdateAppRepositoryURL(id, repoURL string) error {
	return s.updateColumn(id, "repository_url", repoURL)
}

// UpdateAppScreenshot records the latest captured screenshot location.
func (s *Service) UpdateAppScreenshot(id, screenshotURL string) error {
	return s.updateColumn(id, "screenshot_url", screenshotURL)
}

// UpdateAppTitle renames an app.
func (s *Service) UpdateAppTitle(id, title string) error {
	return s.updateColumn(id, "title", title)
}

func (s *Service) updateColumn(id, column, value string) error {
	res, err := s.db.Exec(
		`UPDATE apps SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		value, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("updating app %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound("APP_NOT_FOUND", fmt.Sprintf("app %s does not exist", id))
	}
	return nil
}

// DeleteApp removes an app row.
func (s *Service) DeleteApp(id string) error {
	_, err := s.db.Exec(`DELETE FROM apps WHERE id = ?`, id)
	return err
}

const appSelect = `SELECT id, user_id, title, description, project_name, visibility,
	preview_url, repository_url, screenshot_url, created_at, updated_at FROM apps`

func scanApp(row *sql.Row) (*App, error) {
	var a App
	var created, updated int64
	err := row.Scan(&a.ID, &a.UserID, &a.Title, &a.Description, &a.ProjectName, &a.Visibility,
		&a.PreviewURL, &a.RepositoryURL, &a.ScreenshotURL, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading app: %w", err)
	}
	a.CreatedAt = time.Unix(created, 0)
	a.UpdatedAt = time.Unix(updated, 0)
	return &a, nil
}

func scanApps(rows *sql.Rows) ([]*App, error) {
	var out []*App
	for rows.Next() {
		var a App
		var created, updated int64
		if err := rows.Scan(&a.ID, &a.UserID, &a.Title, &a.Description, &a.ProjectName, &a.Visibility,
			&a.PreviewURL, &a.RepositoryURL, &a.ScreenshotURL, &created, &updated); err != nil {
			return nil, fmt.Errorf("reading app row: %w", err)
		}
		a.CreatedAt = time.Unix(created, 0)
		a.UpdatedAt = time.Unix(updated, 0)
		out = append(out, &a)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/db"
	"github.com/agentpod/agentpod/internal/db/dialect"
	"github.com/agentpod/agentpod/internal/sandbox"
)

// SandboxStore persists sandbox records. Slug is unique per user.
type SandboxStore struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewSandboxStore initializes the sandboxes schema.
func NewSandboxStore(pool *db.Pool) (*SandboxStore, error) {
	s := &SandboxStore{writer: pool.Writer(), reader: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("sandboxes schema init: %w", err)
	}
	return s, nil
}

func (s *SandboxStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sandboxes (
		id           TEXT PRIMARY KEY,
		slug         TEXT NOT NULL,
		name         TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		state        TEXT NOT NULL,
		container_id TEXT NOT NULL DEFAULT '',
		image        TEXT NOT NULL DEFAULT '',
		flavor       TEXT NOT NULL DEFAULT '',
		tier         TEXT NOT NULL DEFAULT '',
		resources    TEXT NOT NULL DEFAULT '{}',
		ports        TEXT NOT NULL DEFAULT '[]',
		mounts       TEXT NOT NULL DEFAULT '[]',
		labels       TEXT NOT NULL DEFAULT '{}',
		network      TEXT NOT NULL DEFAULT '',
		command      TEXT NOT NULL DEFAULT '[]',
		repo_name    TEXT NOT NULL DEFAULT '',
		config_toml  TEXT NOT NULL DEFAULT '',
		last_error   TEXT NOT NULL DEFAULT '',
		last_active  TIMESTAMP,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sandboxes_user_slug ON sandboxes(user_id, slug);
	CREATE INDEX IF NOT EXISTS idx_sandboxes_user ON sandboxes(user_id);
	CREATE INDEX IF NOT EXISTS idx_sandboxes_state ON sandboxes(state);
	`
	_, err := s.writer.Exec(schema)
	return err
}

type sandboxRow struct {
	ID          string         `db:"id"`
	Slug        string         `db:"slug"`
	Name        string         `db:"name"`
	UserID      string         `db:"user_id"`
	State       string         `db:"state"`
	ContainerID string         `db:"container_id"`
	Image       string         `db:"image"`
	Flavor      string         `db:"flavor"`
	Tier        string         `db:"tier"`
	Resources   string         `db:"resources"`
	Ports       string         `db:"ports"`
	Mounts      string         `db:"mounts"`
	Labels      string         `db:"labels"`
	Network     string         `db:"network"`
	Command     string         `db:"command"`
	RepoName    string         `db:"repo_name"`
	ConfigTOML  string         `db:"config_toml"`
	LastError   string         `db:"last_error"`
	LastActive  sql.NullTime   `db:"last_active"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

const sandboxColumns = `id, slug, name, user_id, state, container_id, image, flavor, tier,
	resources, ports, mounts, labels, network, command, repo_name, config_toml,
	last_error, last_active, created_at, updated_at`

func (r *sandboxRow) toSandbox() (*sandbox.Sandbox, error) {
	sb := &sandbox.Sandbox{
		ID:          r.ID,
		Slug:        r.Slug,
		Name:        r.Name,
		UserID:      r.UserID,
		State:       sandbox.State(r.State),
		ContainerID: r.ContainerID,
		Image:       r.Image,
		Flavor:      r.Flavor,
		Tier:        r.Tier,
		Network:     r.Network,
		RepoName:    r.RepoName,
		ConfigTOML:  r.ConfigTOML,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.LastActive.Valid {
		sb.LastActive = r.LastActive.Time
	}
	for _, field := range []struct {
		col  string
		dest interface{}
	}{
		{r.Resources, &sb.Resources},
		{r.Ports, &sb.Ports},
		{r.Mounts, &sb.Mounts},
		{r.Labels, &sb.Labels},
		{r.Command, &sb.Command},
	} {
		if field.col == "" {
			continue
		}
		if err := json.Unmarshal([]byte(field.col), field.dest); err != nil {
			return nil, fmt.Errorf("decode sandbox %s: %w", r.ID, err)
		}
	}
	return sb, nil
}

func marshalField(v interface{}, empty string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return empty
	}
	return string(data)
}

// Create inserts a new sandbox record. A duplicate (user, slug) is a
// conflict.
func (s *SandboxStore) Create(ctx context.Context, sb *sandbox.Sandbox) error {
	if sb.ID == "" {
		sb.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sb.CreatedAt = now
	sb.UpdatedAt = now

	_, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		INSERT INTO sandboxes (`+sandboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sb.ID, sb.Slug, sb.Name, sb.UserID, string(sb.State), sb.ContainerID,
		sb.Image, sb.Flavor, sb.Tier,
		marshalField(sb.Resources, "{}"), marshalField(sb.Ports, "[]"),
		marshalField(sb.Mounts, "[]"), marshalField(sb.Labels, "{}"),
		sb.Network, marshalField(sb.Command, "[]"), sb.RepoName, sb.ConfigTOML,
		sb.LastError, sb.LastActive, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict(fmt.Sprintf("sandbox slug %q already exists for this user", sb.Slug))
		}
		return apperrors.Internal("insert sandbox", err)
	}
	return nil
}

// Get returns a sandbox by id.
func (s *SandboxStore) Get(ctx context.Context, id string) (*sandbox.Sandbox, error) {
	var row sandboxRow
	err := s.reader.GetContext(ctx, &row, s.reader.Rebind(
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("sandbox", id)
		}
		return nil, apperrors.Internal("get sandbox", err)
	}
	return row.toSandbox()
}

// GetBySlug returns a user's sandbox by slug.
func (s *SandboxStore) GetBySlug(ctx context.Context, userID, slug string) (*sandbox.Sandbox, error) {
	var row sandboxRow
	err := s.reader.GetContext(ctx, &row, s.reader.Rebind(
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE user_id = ? AND slug = ?`), userID, slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("sandbox", slug)
		}
		return nil, apperrors.Internal("get sandbox by slug", err)
	}
	return row.toSandbox()
}

// List returns a user's sandboxes, newest first.
func (s *SandboxStore) List(ctx context.Context, userID string) ([]*sandbox.Sandbox, error) {
	var rows []sandboxRow
	err := s.reader.SelectContext(ctx, &rows, s.reader.Rebind(
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE user_id = ? ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, apperrors.Internal("list sandboxes", err)
	}
	return rowsToSandboxes(rows)
}

// Search returns a user's sandboxes whose name or slug contains the query,
// newest first.
func (s *SandboxStore) Search(ctx context.Context, userID, query string) ([]*sandbox.Sandbox, error) {
	like := dialect.Like(s.reader.DriverName())
	pattern := "%" + query + "%"
	var rows []sandboxRow
	err := s.reader.SelectContext(ctx, &rows, s.reader.Rebind(
		`SELECT `+sandboxColumns+` FROM sandboxes
		WHERE user_id = ? AND (name `+like+` ? OR slug `+like+` ?)
		ORDER BY created_at DESC`), userID, pattern, pattern)
	if err != nil {
		return nil, apperrors.Internal("search sandboxes", err)
	}
	return rowsToSandboxes(rows)
}

// ListAll returns every sandbox, for reconciliation sweeps.
func (s *SandboxStore) ListAll(ctx context.Context) ([]*sandbox.Sandbox, error) {
	var rows []sandboxRow
	err := s.reader.SelectContext(ctx, &rows,
		`SELECT `+sandboxColumns+` FROM sandboxes ORDER BY created_at`)
	if err != nil {
		return nil, apperrors.Internal("list all sandboxes", err)
	}
	return rowsToSandboxes(rows)
}

func rowsToSandboxes(rows []sandboxRow) ([]*sandbox.Sandbox, error) {
	out := make([]*sandbox.Sandbox, 0, len(rows))
	for i := range rows {
		sb, err := rows[i].toSandbox()
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, nil
}

// Update rewrites every mutable column of a sandbox.
func (s *SandboxStore) Update(ctx context.Context, sb *sandbox.Sandbox) error {
	sb.UpdatedAt = time.Now().UTC()
	res, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		UPDATE sandboxes SET
			slug = ?, name = ?, state = ?, container_id = ?, image = ?,
			flavor = ?, tier = ?, resources = ?, ports = ?, mounts = ?,
			labels = ?, network = ?, command = ?, repo_name = ?, config_toml = ?,
			last_error = ?, last_active = ?, updated_at = ?
		WHERE id = ?`),
		sb.Slug, sb.Name, string(sb.State), sb.ContainerID, sb.Image,
		sb.Flavor, sb.Tier,
		marshalField(sb.Resources, "{}"), marshalField(sb.Ports, "[]"),
		marshalField(sb.Mounts, "[]"), marshalField(sb.Labels, "{}"),
		sb.Network, marshalField(sb.Command, "[]"), sb.RepoName, sb.ConfigTOML,
		sb.LastError, sb.LastActive, sb.UpdatedAt, sb.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict(fmt.Sprintf("sandbox slug %q already exists for this user", sb.Slug))
		}
		return apperrors.Internal("update sandbox", err)
	}
	return requireRow(res, "sandbox", sb.ID)
}

// UpdateState transitions the stored state and its container bookkeeping.
func (s *SandboxStore) UpdateState(ctx context.Context, id string, state sandbox.State, containerID, lastError string) error {
	res, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		UPDATE sandboxes SET state = ?, container_id = ?, last_error = ?, updated_at = ?
		WHERE id = ?`),
		string(state), containerID, lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return apperrors.Internal("update sandbox state", err)
	}
	return requireRow(res, "sandbox", id)
}

// Touch records interactive activity for idle auto-stop.
func (s *SandboxStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.writer.ExecContext(ctx, s.writer.Rebind(
		`UPDATE sandboxes SET last_active = ? WHERE id = ?`), at.UTC(), id)
	if err != nil {
		return apperrors.Internal("touch sandbox", err)
	}
	return nil
}

// Delete removes a sandbox record.
func (s *SandboxStore) Delete(ctx context.Context, id string) error {
	res, err := s.writer.ExecContext(ctx, s.writer.Rebind(
		`DELETE FROM sandboxes WHERE id = ?`), id)
	if err != nil {
		return apperrors.Internal("delete sandbox", err)
	}
	return requireRow(res, "sandbox", id)
}

func requireRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return apperrors.NotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres
}

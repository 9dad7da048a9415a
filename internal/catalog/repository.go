package catalog

import (
	"context"
	"database/sql"
	"time"
)

type Repository interface {
	CreateAvatar(ctx context.Context, avatar *Avatar) error
	GetAvatar(ctx context.Context, id string) (*Avatar, error)
	GetAvatarByName(ctx context.Context, name string) (*Avatar, error)
	ListAvatars(ctx context.Context) ([]*Avatar, error)
	DeleteAvatar(ctx context.Context, id string) error
	UpdateAvatarStatus(ctx context.Context, id, status, errorMsg string) error
	UpdateAvatarPrepared(ctx context.Context, id string, frames, cycleLen int) error
	UpdateAvatarOffset(ctx context.Context, id string, nextOffset int) error
	CountAvatars(ctx context.Context) (int, error)

	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
	ListJobsByAvatar(ctx context.Context, avatarID string) ([]*Job, error)
	ListPendingJobs(ctx context.Context) ([]*Job, error)
	UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error
	UpdateJobProgress(ctx context.Context, id string, progress int) error
	UpdateJobOutput(ctx context.Context, id, outputPath string) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const avatarColumns = `id, name, video_path, status, frames, cycle_len, next_offset, error, created_at, updated_at`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (r *SQLiteRepository) CreateAvatar(ctx context.Context, a *Avatar) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO avatars (`+avatarColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Name, a.VideoPath, a.Status, a.Frames, a.CycleLen, a.NextOffset, nullString(a.Error),
		a.CreatedAt.Format(time.RFC3339), a.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetAvatar(ctx context.Context, id string) (*Avatar, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+avatarColumns+` FROM avatars WHERE id = ?`, id)
	return nilOnNoRows(scanAvatar(row))
}

func (r *SQLiteRepository) GetAvatarByName(ctx context.Context, name string) (*Avatar, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+avatarColumns+` FROM avatars WHERE name = ?`, name)
	return nilOnNoRows(scanAvatar(row))
}

func scanAvatar(row scanner) (*Avatar, error) {
	var a Avatar
	var errMsg sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&a.ID, &a.Name, &a.VideoPath, &a.Status, &a.Frames, &a.CycleLen, &a.NextOffset,
		&errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.Error = errMsg.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func (r *SQLiteRepository) ListAvatars(ctx context.Context) ([]*Avatar, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+avatarColumns+` FROM avatars ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var avatars []*Avatar
	for rows.Next() {
		a, err := scanAvatar(rows)
		if err != nil {
			return nil, err
		}
		avatars = append(avatars, a)
	}
	return avatars, rows.Err()
}

func (r *SQLiteRepository) DeleteAvatar(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM avatars WHERE id = ?", id)
	return err
}

func (r *SQLiteRepository) UpdateAvatarStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE avatars SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errorMsg), now(), id)
	return err
}

func (r *SQLiteRepository) UpdateAvatarPrepared(ctx context.Context, id string, frames, cycleLen int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE avatars SET status = ?, frames = ?, cycle_len = ?, next_offset = 0, error = NULL, updated_at = ?
		WHERE id = ?
	`, AvatarStatusReady, frames, cycleLen, now(), id)
	return err
}

func (r *SQLiteRepository) UpdateAvatarOffset(ctx context.Context, id string, nextOffset int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE avatars SET next_offset = ?, updated_at = ? WHERE id = ?
	`, nextOffset, now(), id)
	return err
}

func (r *SQLiteRepository) CountAvatars(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM avatars").Scan(&count)
	return count, err
}

const jobColumns = `id, type, status, avatar_id, audio_path, start_offset, output_path, progress, error, created_at, updated_at`

func (r *SQLiteRepository) CreateJob(ctx context.Context, j *Job) error {
	var offset sql.NullInt64
	if j.StartOffset != nil {
		offset = sql.NullInt64{Int64: int64(*j.StartOffset), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Type, j.Status, nullString(j.AvatarID), nullString(j.AudioPath), offset,
		nullString(j.OutputPath), j.Progress, nullString(j.Error),
		j.CreatedAt.Format(time.RFC3339), j.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return nilOnNoRows(scanJob(row))
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var avatarID, audioPath, outputPath, errMsg sql.NullString
	var offset sql.NullInt64
	var createdAt, updatedAt string

	if err := row.Scan(&j.ID, &j.Type, &j.Status, &avatarID, &audioPath, &offset, &outputPath,
		&j.Progress, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.AvatarID = avatarID.String
	j.AudioPath = audioPath.String
	j.OutputPath = outputPath.String
	j.Error = errMsg.String
	if offset.Valid {
		v := int(offset.Int64)
		j.StartOffset = &v
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

func (r *SQLiteRepository) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (r *SQLiteRepository) ListJobsByAvatar(ctx context.Context, avatarID string) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE avatar_id = ? ORDER BY created_at DESC
	`, avatarID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListPendingJobs returns pending jobs oldest first. Ties on created_at keep
// insertion order.
func (r *SQLiteRepository) ListPendingJobs(ctx context.Context) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = 'pending' ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *SQLiteRepository) UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errorMsg), now(), id)
	return err
}

func (r *SQLiteRepository) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?
	`, progress, now(), id)
	return err
}

func (r *SQLiteRepository) UpdateJobOutput(ctx context.Context, id, outputPath string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET output_path = ?, updated_at = ? WHERE id = ?
	`, outputPath, now(), id)
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// nilOnNoRows maps a missing row to (nil, nil).
func nilOnNoRows[T any](v *T, err error) (*T, error) {
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// rows touched by migrations use sqlite's datetime('now')
		t, _ = time.Parse(time.DateTime, s)
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "postpilot/pkg/logx"
)

// dialect captures the few places SQLite and PostgreSQL differ.
type dialect struct {
	name string
	// numbered rewrites ? placeholders to $1..$n.
	numbered bool
	// forUpdate is appended to row-locking selects.
	forUpdate string
}

var (
	dialectSQLite   = dialect{name: "sqlite"}
	dialectPostgres = dialect{name: "postgres", numbered: true, forUpdate: " FOR UPDATE"}
)

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// sqlStore implements Store on database/sql for both SQL drivers.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const postCols = `id, owner_id, content, images, hashtags, source, platforms, scheduled_at, due_at, status, created_at, updated_at`

const ppCols = `id, post_id, platform, content, status, external_id, last_error_kind, last_error, retry_count, last_attempt_at, published_at, claimed_at, updated_at`

const jobCols = `id, platform_post_id, post_id, platform, kind, status, attempts, max_attempts, next_attempt_at, last_error_kind, last_error, created_at, updated_at`

func (s *sqlStore) CreatePost(ctx context.Context, in NewPost) (Post, error) {
	p := in.Post
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Post{}, err
	}
	defer tx.Rollback()

	var scheduled any
	if p.ScheduledAt != nil {
		scheduled = toMillis(*p.ScheduledAt)
	}
	_, err = tx.ExecContext(ctx, s.d.rebind(`INSERT INTO posts(`+postCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`),
		p.ID, p.OwnerID, p.Content, encodeList(p.Images), encodeList(p.Hashtags), string(p.Source), encodeList(p.Platforms),
		scheduled, toMillis(p.DueAt), string(p.Status), toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
	)
	if err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}
	for i, pp := range in.PlatformPosts {
		_, err = tx.ExecContext(ctx, s.d.rebind(`INSERT INTO platform_posts(`+ppCols+`, ordinal) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
			pp.ID, pp.PostID, pp.Platform, pp.Content, string(pp.Status), pp.ExternalID, pp.LastErrorKind, pp.LastError,
			pp.RetryCount, toMillis(pp.LastAttemptAt), toMillis(pp.PublishedAt), toMillis(pp.ClaimedAt), toMillis(pp.UpdatedAt), i,
		)
		if err != nil {
			return Post{}, fmt.Errorf("insert platform post %s: %w", pp.Platform, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Post{}, err
	}
	return s.GetPost(ctx, p.ID)
}

func (s *sqlStore) GetPost(ctx context.Context, id string) (Post, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+postCols+` FROM posts WHERE id = ?`), id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, err
	}
	pps, err := s.platformPostsFor(ctx, s.db, p.ID)
	if err != nil {
		return Post{}, err
	}
	p.PlatformPosts = pps
	return p, nil
}

func (s *sqlStore) platformPostsFor(ctx context.Context, q queryer, postID string) ([]PlatformPost, error) {
	rows, err := q.QueryContext(ctx, s.d.rebind(`SELECT `+ppCols+` FROM platform_posts WHERE post_id = ? ORDER BY ordinal ASC`), postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PlatformPost
	for rows.Next() {
		pp, err := scanPlatformPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pp)
	}
	return out, rows.Err()
}

func (s *sqlStore) FindDuePosts(ctx context.Context, now time.Time, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT `+postCols+`
		FROM posts p
		WHERE p.status IN ('scheduled', 'publishing')
		  AND p.due_at <= ?
		  AND EXISTS (SELECT 1 FROM platform_posts pp WHERE pp.post_id = p.id AND pp.status = 'pending')
		ORDER BY p.due_at ASC, p.id ASC
		LIMIT ?`), toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("find due posts: %w", err)
	}
	var posts []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		posts = append(posts, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range posts {
		pps, err := s.platformPostsFor(ctx, s.db, posts[i].ID)
		if err != nil {
			return nil, err
		}
		posts[i].PlatformPosts = pps
	}
	return posts, nil
}

func (s *sqlStore) SchedulePost(ctx context.Context, id, ownerID string, at, now time.Time) (bool, error) {
	q := `UPDATE posts SET status = 'scheduled', scheduled_at = ?, due_at = ?, updated_at = ? WHERE id = ? AND status IN ('draft', 'scheduled')`
	args := []any{toMillis(at), toMillis(at), toMillis(now), id}
	if ownerID != "" {
		q += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	return s.conditionalPostUpdate(ctx, q, args, id, ownerID)
}

func (s *sqlStore) CancelPost(ctx context.Context, id, ownerID string, now time.Time) (bool, error) {
	q := `UPDATE posts SET status = 'cancelled', updated_at = ? WHERE id = ? AND status = 'scheduled'`
	args := []any{toMillis(now), id}
	if ownerID != "" {
		q += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	return s.conditionalPostUpdate(ctx, q, args, id, ownerID)
}

func (s *sqlStore) conditionalPostUpdate(ctx context.Context, q string, args []any, id, ownerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	exists := `SELECT 1 FROM posts WHERE id = ?`
	eargs := []any{id}
	if ownerID != "" {
		exists += ` AND owner_id = ?`
		eargs = append(eargs, ownerID)
	}
	var one int
	err = s.db.QueryRowContext(ctx, s.d.rebind(exists), eargs...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return false, err
}

func (s *sqlStore) GetPlatformPost(ctx context.Context, id string) (PlatformPost, error) {
	pp, err := scanPlatformPost(s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+ppCols+` FROM platform_posts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return PlatformPost{}, ErrNotFound
	}
	return pp, err
}

func (s *sqlStore) TransitionPlatformPost(ctx context.Context, id string, from, to PlatformPostStatus, f Fields) (bool, error) {
	if err := checkTransition(from, to, f); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var postID string
	err = tx.QueryRowContext(ctx, s.d.rebind(`SELECT post_id FROM platform_posts WHERE id = ?`), id).Scan(&postID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	// Lock order is always post row, then platform-post row.
	var postStatus string
	if err := tx.QueryRowContext(ctx, s.d.rebind(`SELECT status FROM posts WHERE id = ?`+s.d.forUpdate), postID).Scan(&postStatus); err != nil {
		return false, fmt.Errorf("lock post %s: %w", postID, err)
	}
	pp, err := scanPlatformPost(tx.QueryRowContext(ctx, s.d.rebind(`SELECT `+ppCols+` FROM platform_posts WHERE id = ?`+s.d.forUpdate), id))
	if err != nil {
		return false, err
	}
	if pp.Status != from {
		return false, nil
	}
	if to == PPPublishing && !claimable(PostStatus(postStatus)) {
		return false, nil
	}

	apply(&pp, from, to, f)
	res, err := tx.ExecContext(ctx, s.d.rebind(`
		UPDATE platform_posts
		SET status = ?, external_id = ?, last_error_kind = ?, last_error = ?, retry_count = ?,
		    last_attempt_at = ?, published_at = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(pp.Status), pp.ExternalID, pp.LastErrorKind, pp.LastError, pp.RetryCount,
		toMillis(pp.LastAttemptAt), toMillis(pp.PublishedAt), toMillis(pp.ClaimedAt), toMillis(pp.UpdatedAt),
		id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("update platform post: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return false, err
	}

	statuses, err := s.siblingStatuses(ctx, tx, postID)
	if err != nil {
		return false, err
	}
	resting := PostScheduled
	if st := PostStatus(postStatus); st == PostDraft || st == PostCancelled {
		resting = st
	}
	agg := DeriveStatus(resting, statuses)
	if _, err := tx.ExecContext(ctx, s.d.rebind(`UPDATE posts SET status = ?, updated_at = ? WHERE id = ?`), string(agg), toMillis(f.At), postID); err != nil {
		return false, fmt.Errorf("update post status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqlStore) siblingStatuses(ctx context.Context, q queryer, postID string) ([]PlatformPostStatus, error) {
	rows, err := q.QueryContext(ctx, s.d.rebind(`SELECT status FROM platform_posts WHERE post_id = ?`), postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PlatformPostStatus
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		out = append(out, PlatformPostStatus(st))
	}
	return out, rows.Err()
}

func (s *sqlStore) StalePlatformPosts(ctx context.Context, cutoff time.Time, limit int) ([]PlatformPost, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`SELECT `+ppCols+` FROM platform_posts WHERE status = 'publishing' AND claimed_at < ? ORDER BY claimed_at ASC LIMIT ?`), toMillis(cutoff), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PlatformPost
	for rows.Next() {
		pp, err := scanPlatformPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pp)
	}
	return out, rows.Err()
}

func (s *sqlStore) InsertRetryJob(ctx context.Context, j RetryJob) (RetryJob, bool, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`INSERT INTO retry_jobs(`+jobCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT (platform_post_id) DO NOTHING`),
		j.ID, j.PlatformPostID, j.PostID, j.Platform, string(j.Kind), string(j.Status), j.Attempts, j.MaxAttempts,
		toMillis(j.NextAttemptAt), j.LastErrorKind, j.LastError, toMillis(j.CreatedAt), toMillis(j.UpdatedAt),
	)
	if err != nil {
		return RetryJob{}, false, fmt.Errorf("insert retry job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return RetryJob{}, false, err
	}
	got, err := s.GetRetryJobByPlatformPost(ctx, j.PlatformPostID)
	if err != nil {
		return RetryJob{}, false, err
	}
	return got, n == 1, nil
}

func (s *sqlStore) GetRetryJob(ctx context.Context, id string) (RetryJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+jobCols+` FROM retry_jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return RetryJob{}, ErrNotFound
	}
	return j, err
}

func (s *sqlStore) GetRetryJobByPlatformPost(ctx context.Context, platformPostID string) (RetryJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+jobCols+` FROM retry_jobs WHERE platform_post_id = ?`), platformPostID))
	if errors.Is(err, sql.ErrNoRows) {
		return RetryJob{}, ErrNotFound
	}
	return j, err
}

func (s *sqlStore) ListRetryJobs(ctx context.Context, f RetryJobFilter) ([]RetryJob, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, f.Platform)
	}
	if f.PostID != "" {
		where = append(where, "post_id = ?")
		args = append(args, f.PostID)
	}
	q := `SELECT ` + jobCols + ` FROM retry_jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY next_attempt_at ASC, id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryJobs(ctx, q, args...)
}

func (s *sqlStore) DueRetryJobs(ctx context.Context, now time.Time, limit int) ([]RetryJob, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryJobs(ctx, `SELECT `+jobCols+` FROM retry_jobs WHERE status = 'pending' AND next_attempt_at <= ? ORDER BY next_attempt_at ASC, id ASC LIMIT ?`, toMillis(now), limit)
}

func (s *sqlStore) queryJobs(ctx context.Context, q string, args ...any) ([]RetryJob, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query retry jobs: %w", err)
	}
	defer rows.Close()
	var out []RetryJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) TransitionRetryJob(ctx context.Context, j RetryJob, from RetryStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`
		UPDATE retry_jobs
		SET status = ?, kind = ?, attempts = ?, max_attempts = ?, next_attempt_at = ?,
		    last_error_kind = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(j.Status), string(j.Kind), j.Attempts, j.MaxAttempts, toMillis(j.NextAttemptAt),
		j.LastErrorKind, j.LastError, toMillis(j.UpdatedAt),
		j.ID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("update retry job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetRetryJob(ctx, j.ID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqlStore) DeleteRetryJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM retry_jobs WHERE id = ?`), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqlStore) ResetStaleRetryJobs(ctx context.Context, cutoff, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`UPDATE retry_jobs SET status = 'pending', next_attempt_at = ?, updated_at = ? WHERE status = 'running' AND updated_at < ?`),
		toMillis(now), toMillis(now), toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqlStore) CountActiveRetryJobs(ctx context.Context, postID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT COUNT(*) FROM retry_jobs WHERE post_id = ? AND status IN ('pending', 'running')`), postID).Scan(&n)
	return n, err
}

func (s *sqlStore) AppendAttempt(ctx context.Context, a AttemptRecord) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO delivery_attempts(platform_post_id, post_id, platform, at, duration_ms, outcome, error_kind, error, external_id)
		VALUES(?,?,?,?,?,?,?,?,?)`),
		a.PlatformPostID, a.PostID, a.Platform, toMillis(a.At), a.Duration.Milliseconds(), a.Outcome,
		nullStr(a.ErrorKind), nullStr(a.Error), nullStr(a.ExternalID),
	)
	return err
}

func (s *sqlStore) ListAttempts(ctx context.Context, platformPostID string, limit int) ([]AttemptRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT platform_post_id, post_id, platform, at, duration_ms, outcome, error_kind, error, external_id
		FROM delivery_attempts`
	args := []any{}
	// An empty id lists the newest attempts across all platform-posts.
	if platformPostID != "" {
		q += ` WHERE platform_post_id = ?`
		args = append(args, platformPostID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AttemptRecord
	for rows.Next() {
		var a AttemptRecord
		var at, durMS int64
		var kind, msg, ext sql.NullString
		if err := rows.Scan(&a.PlatformPostID, &a.PostID, &a.Platform, &at, &durMS, &a.Outcome, &kind, &msg, &ext); err != nil {
			return nil, err
		}
		a.At = fromMillis(at)
		a.Duration = time.Duration(durMS) * time.Millisecond
		a.ErrorKind, a.Error, a.ExternalID = kind.String, msg.String, ext.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO notifier_dedup(key, until) VALUES(?,?)
		ON CONFLICT(key) DO UPDATE SET until = excluded.until`), key, until.UnixMilli())
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT until FROM notifier_dedup WHERE key = ?`), key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(r scanner) (Post, error) {
	var p Post
	var images, hashtags, platforms, source, status string
	var scheduled sql.NullInt64
	var due, created, updated int64
	if err := r.Scan(&p.ID, &p.OwnerID, &p.Content, &images, &hashtags, &source, &platforms, &scheduled, &due, &status, &created, &updated); err != nil {
		return Post{}, err
	}
	p.Images = decodeList(images)
	p.Hashtags = decodeList(hashtags)
	p.Platforms = decodeList(platforms)
	p.Source = PostSource(source)
	p.Status = PostStatus(status)
	if scheduled.Valid {
		t := fromMillis(scheduled.Int64)
		p.ScheduledAt = &t
	}
	p.DueAt = fromMillis(due)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

func scanPlatformPost(r scanner) (PlatformPost, error) {
	var pp PlatformPost
	var status string
	var lastAttempt, published, claimed, updated int64
	if err := r.Scan(&pp.ID, &pp.PostID, &pp.Platform, &pp.Content, &status, &pp.ExternalID, &pp.LastErrorKind, &pp.LastError,
		&pp.RetryCount, &lastAttempt, &published, &claimed, &updated); err != nil {
		return PlatformPost{}, err
	}
	pp.Status = PlatformPostStatus(status)
	pp.LastAttemptAt = fromMillis(lastAttempt)
	pp.PublishedAt = fromMillis(published)
	pp.ClaimedAt = fromMillis(claimed)
	pp.UpdatedAt = fromMillis(updated)
	return pp, nil
}

func scanJob(r scanner) (RetryJob, error) {
	var j RetryJob
	var kind, status string
	var next, created, updated int64
	if err := r.Scan(&j.ID, &j.PlatformPostID, &j.PostID, &j.Platform, &kind, &status, &j.Attempts, &j.MaxAttempts,
		&next, &j.LastErrorKind, &j.LastError, &created, &updated); err != nil {
		return RetryJob{}, err
	}
	j.Kind = RetryKind(kind)
	j.Status = RetryStatus(status)
	j.NextAttemptAt = fromMillis(next)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return j, nil
}

// Times are stored as unix milliseconds; 0 is the zero time.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

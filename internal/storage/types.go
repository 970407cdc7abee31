package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("storage: not found")
	ErrInvalidTransition = errors.New("storage: invalid transition")
	ErrConflict          = errors.New("storage: conflict")
	ErrClosed            = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (default when empty)
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL, Path holds the DSN
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
	// AutoMigrate applies pending schema migrations on open.
	AutoMigrate bool
}

type PostStatus string

const (
	PostDraft      PostStatus = "draft"
	PostScheduled  PostStatus = "scheduled"
	PostPublishing PostStatus = "publishing"
	PostPublished  PostStatus = "published"
	PostFailed     PostStatus = "failed"
	PostCancelled  PostStatus = "cancelled"
)

type PlatformPostStatus string

const (
	PPPending    PlatformPostStatus = "pending"
	PPPublishing PlatformPostStatus = "publishing"
	PPPublished  PlatformPostStatus = "published"
	PPFailed     PlatformPostStatus = "failed"
)

// PostSource records how a post originated.
type PostSource string

const (
	SourceManual   PostSource = "manual"
	SourceBlogger  PostSource = "blogger"
	SourceSoloBoss PostSource = "soloboss"
)

func (s PostSource) Valid() bool {
	switch s {
	case SourceManual, SourceBlogger, SourceSoloBoss:
		return true
	}
	return false
}

type Post struct {
	ID       string
	OwnerID  string
	Content  string
	Images   []string
	Hashtags []string
	Source   PostSource

	Platforms []string

	// ScheduledAt is nil for immediate posts.
	ScheduledAt *time.Time
	// DueAt is ScheduledAt, or the creation time for immediate posts.
	DueAt time.Time

	Status    PostStatus
	CreatedAt time.Time
	UpdatedAt time.Time

	PlatformPosts []PlatformPost
}

type PlatformPost struct {
	ID       string
	PostID   string
	Platform string
	Content  string
	Status   PlatformPostStatus

	ExternalID    string
	LastErrorKind string
	LastError     string

	RetryCount    int
	LastAttemptAt time.Time
	PublishedAt   time.Time
	// ClaimedAt is set whenever the row enters publishing.
	ClaimedAt time.Time
	UpdatedAt time.Time
}

// NewPost is the input to CreatePost. IDs are assigned by the caller.
type NewPost struct {
	Post          Post
	PlatformPosts []PlatformPost
}

// Fields carries the columns written alongside a status transition.
type Fields struct {
	At           time.Time
	ExternalID   string
	ErrorKind    string
	ErrorMessage string
	// ResetRetryCount zeroes the retry counter on a failed->publishing
	// re-entry (operator-initiated retry).
	ResetRetryCount bool
	// CountRetry adds one to the retry counter on the publishing->published
	// or publishing->failed write that closes a retry which reached the
	// platform.
	CountRetry bool
}

type RetryKind string

const (
	RetryPublish  RetryKind = "publish"
	RetryRecovery RetryKind = "recovery"
	RetryManual   RetryKind = "manual"
)

type RetryStatus string

const (
	RetryPending   RetryStatus = "pending"
	RetryRunning   RetryStatus = "running"
	RetryExhausted RetryStatus = "exhausted"
)

type RetryJob struct {
	ID             string
	PlatformPostID string
	PostID         string
	Platform       string
	Kind           RetryKind
	Status         RetryStatus

	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time

	LastErrorKind string
	LastError     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the job may still run.
func (j RetryJob) Active() bool {
	return j.Status == RetryPending || j.Status == RetryRunning
}

type RetryJobFilter struct {
	Status   RetryStatus
	Platform string
	PostID   string
	Limit    int
}

// AttemptRecord is one row of the append-only delivery log.
type AttemptRecord struct {
	PlatformPostID string
	PostID         string
	Platform       string
	At             time.Time
	Duration       time.Duration
	Outcome        string
	ErrorKind      string
	Error          string
	ExternalID     string
}

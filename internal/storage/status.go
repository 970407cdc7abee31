package storage

import (
	"fmt"
	"strings"
)

// DeriveStatus computes a post's aggregate status from its platform-posts.
//
// resting is the status the post holds while none of its platform-posts has
// started (draft or scheduled). Cancelled posts stay cancelled.
func DeriveStatus(resting PostStatus, statuses []PlatformPostStatus) PostStatus {
	if resting == PostCancelled {
		return PostCancelled
	}
	if len(statuses) == 0 {
		return resting
	}

	var pending, publishing, published, failed int
	for _, st := range statuses {
		switch st {
		case PPPending:
			pending++
		case PPPublishing:
			publishing++
		case PPPublished:
			published++
		case PPFailed:
			failed++
		}
	}

	switch {
	case published == len(statuses):
		return PostPublished
	case publishing > 0:
		return PostPublishing
	case failed > 0 && pending == 0:
		return PostFailed
	case pending == len(statuses):
		if resting == PostDraft {
			return PostDraft
		}
		return PostScheduled
	default:
		// Some platforms finished while others still wait for their claim.
		return PostPublishing
	}
}

// transitionAllowed is the platform-post state machine.
func transitionAllowed(from, to PlatformPostStatus) bool {
	switch from {
	case PPPending:
		return to == PPPublishing
	case PPPublishing:
		return to == PPPublished || to == PPFailed
	case PPFailed:
		return to == PPPublishing
	}
	return false
}

// checkTransition validates a requested transition and the fields it needs.
func checkTransition(from, to PlatformPostStatus, f Fields) error {
	if !transitionAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	switch to {
	case PPPublished:
		if strings.TrimSpace(f.ExternalID) == "" {
			return fmt.Errorf("%w: published requires an external id", ErrInvalidTransition)
		}
	case PPFailed:
		if strings.TrimSpace(f.ErrorKind) == "" {
			return fmt.Errorf("%w: failed requires an error kind", ErrInvalidTransition)
		}
	}
	return nil
}

// claimable reports whether a post in status st may have platform-posts
// moved into publishing.
func claimable(st PostStatus) bool {
	return st != PostCancelled && st != PostDraft
}

// apply mutates pp for a transition that already passed checkTransition.
func apply(pp *PlatformPost, from, to PlatformPostStatus, f Fields) {
	pp.Status = to
	pp.UpdatedAt = f.At
	switch to {
	case PPPublishing:
		pp.ClaimedAt = f.At
		pp.LastAttemptAt = f.At
		if from == PPFailed && f.ResetRetryCount {
			pp.RetryCount = 0
		}
	case PPPublished:
		pp.ExternalID = f.ExternalID
		pp.PublishedAt = f.At
		pp.LastErrorKind = ""
		pp.LastError = ""
	case PPFailed:
		pp.LastErrorKind = f.ErrorKind
		pp.LastError = f.ErrorMessage
	}
	if from == PPPublishing && f.CountRetry {
		pp.RetryCount++
	}
}

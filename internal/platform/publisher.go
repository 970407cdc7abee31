// Package platform defines the boundary to the external platform adapters:
// the Publisher capability, its classified errors, and the wrappers the
// engine puts around every adapter.
package platform

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

const (
	Facebook  = "facebook"
	Instagram = "instagram"
	Pinterest = "pinterest"
	X         = "x"
)

// Known lists the platforms postpilot ships defaults for.
var Known = []string{Facebook, Instagram, Pinterest, X}

var ErrUnknownPlatform = errors.New("platform: unknown platform")

// Content is what gets delivered to one platform.
type Content struct {
	PostID         string
	PlatformPostID string
	OwnerID        string
	Text           string
	Images         []string
	Hashtags       []string
}

// Publisher delivers content to a platform and returns the platform's id
// for the created post. Errors should be *Error; anything else is
// classified by Classify.
type Publisher interface {
	Publish(ctx context.Context, platform string, c Content) (externalID string, err error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, platform string, c Content) (string, error)

func (f PublisherFunc) Publish(ctx context.Context, platform string, c Content) (string, error) {
	return f(ctx, platform, c)
}

// Registry routes publish calls to the adapter registered for each platform.
type Registry struct {
	mu   sync.RWMutex
	pubs map[string]Publisher
}

func NewRegistry() *Registry {
	return &Registry{pubs: make(map[string]Publisher)}
}

func Normalize(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}

func (r *Registry) Register(platform string, p Publisher) {
	r.mu.Lock()
	r.pubs[Normalize(platform)] = p
	r.mu.Unlock()
}

func (r *Registry) Has(platform string) bool {
	r.mu.RLock()
	_, ok := r.pubs[Normalize(platform)]
	r.mu.RUnlock()
	return ok
}

// Platforms returns registered platform ids, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.pubs))
	for k := range r.pubs {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Publish(ctx context.Context, platform string, c Content) (string, error) {
	r.mu.RLock()
	p, ok := r.pubs[Normalize(platform)]
	r.mu.RUnlock()
	if !ok {
		return "", &Error{Kind: KindAuthFailed, Message: "no adapter configured for " + platform, Err: ErrUnknownPlatform}
	}
	return p.Publish(ctx, platform, c)
}

// Package parts converts wire message parts into typed parts and resolves
// attachment download URLs lazily.
package parts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/chatsync/pkg/wire"
)

type Kind string

const (
	KindInline     Kind = "inline"
	KindURL        Kind = "url"
	KindAttachment Kind = "attachment"
)

// Part is one of Inline, URL or *Attachment.
type Part interface {
	Kind() Kind
	MIMEType() string
}

type Inline struct {
	Type    string
	Content string
}

type URL struct {
	Type string
	URL  string
}

func (Inline) Kind() Kind              { return KindInline }
func (p Inline) MIMEType() string      { return p.Type }
func (URL) Kind() Kind                 { return KindURL }
func (p URL) MIMEType() string         { return p.Type }
func (*Attachment) Kind() Kind         { return KindAttachment }
func (a *Attachment) MIMEType() string { return a.Type }

// Resolver is the storage service that signs attachment download URLs.
type Resolver interface {
	ResolveAttachment(ctx context.Context, attachmentID string) (wire.ResolvedAttachment, error)
}

// ResolutionError wraps a failed signed-URL fetch. The attachment stays
// unresolved and the caller may retry.
type ResolutionError struct {
	AttachmentID string
	Err          error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve attachment %s: %v", e.AttachmentID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

type State int

const (
	StatePending State = iota
	StateResolved
)

func (s State) String() string {
	if s == StateResolved {
		return "resolved"
	}
	return "pending"
}

// Attachment is an uploaded file. Its download URL is signed and expires, so
// it is resolved on demand and cached until the expiry passes.
type Attachment struct {
	ID         string
	Type       string
	Name       string
	Size       int64
	CustomData map[string]any

	resolver Resolver
	now      func() time.Time
	group    singleflight.Group

	mu     sync.Mutex
	state  State
	url    string
	expiry time.Time
}

// NewAttachment builds an unresolved attachment.
func NewAttachment(id, typ, name string, size int64, customData map[string]any, r Resolver) *Attachment {
	return &Attachment{
		ID:         id,
		Type:       typ,
		Name:       name,
		Size:       size,
		CustomData: customData,
		resolver:   r,
		now:        time.Now,
	}
}

// URL returns a download URL that has not expired, resolving it first when
// needed. Concurrent callers share one resolution.
func (a *Attachment) URL(ctx context.Context) (string, error) {
	if u, ok := a.cached(); ok {
		return u, nil
	}
	ch := a.group.DoChan("url", func() (any, error) {
		// a caller that lost the race may find a fresh value already stored
		if u, ok := a.cached(); ok {
			return u, nil
		}
		if a.resolver == nil {
			return nil, &ResolutionError{AttachmentID: a.ID, Err: errors.New("no resolver configured")}
		}
		res, err := a.resolver.ResolveAttachment(context.WithoutCancel(ctx), a.ID)
		if err != nil {
			return nil, &ResolutionError{AttachmentID: a.ID, Err: err}
		}
		if res.URL == "" {
			return nil, &ResolutionError{AttachmentID: a.ID, Err: errors.New("empty url")}
		}
		a.mu.Lock()
		a.state = StateResolved
		a.url = res.URL
		a.expiry = res.Expiry
		a.mu.Unlock()
		return res.URL, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

// Expiry is the zero time until the attachment was resolved once.
func (a *Attachment) Expiry() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expiry
}

func (a *Attachment) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateResolved && !a.freshLocked() {
		return StatePending
	}
	return a.state
}

func (a *Attachment) cached() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateResolved && a.freshLocked() {
		return a.url, true
	}
	return "", false
}

// A zero expiry means the service did not bound the URL's lifetime.
func (a *Attachment) freshLocked() bool {
	return a.expiry.IsZero() || a.now().Before(a.expiry)
}

func (a *Attachment) seed(url string, expiry time.Time) {
	a.mu.Lock()
	a.state = StateResolved
	a.url = url
	a.expiry = expiry
	a.mu.Unlock()
}

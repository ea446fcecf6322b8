// Package notifeed implements the client side of real-time notification
// delivery: an in-memory notification store fed by a push stream and a
// periodic full refetch, with locally pending read/delete intents held
// in a durable ledger and flushed to the server in batches.
package notifeed

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrNotImplemented = errors.New("not implemented")
)

// Category routes a notification for styling and deep-linking. The set
// is closed; unknown tags on the wire are rejected at parse time.
type Category string

const (
	CategoryCommentReply Category = "comment_reply"
	CategoryPaperMessage Category = "paper_message"
	CategoryFeaturedPost Category = "featured_post"
	CategoryAdmin        Category = "admin"

	// CategoryHandshake signals that the push connection is live. It is
	// never exposed to the view layer as a visible notification.
	CategoryHandshake Category = "handshake"
)

var knownCategories = map[Category]bool{
	CategoryCommentReply: true,
	CategoryPaperMessage: true,
	CategoryFeaturedPost: true,
	CategoryAdmin:        true,
	CategoryHandshake:    true,
}

func ParseCategory(tag string) (Category, error) {
	c := Category(strings.TrimSpace(tag))
	if !knownCategories[c] {
		return "", fmt.Errorf("%w: unknown category %q", ErrInvalidInput, tag)
	}
	return c, nil
}

// Record is one notification as the view layer sees it.
type Record struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	TargetURL string    `json:"targetUrl,omitempty"`
	Category  Category  `json:"category"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"isRead"`
}

// Visible reports whether the record may be shown to the user.
func (r Record) Visible() bool {
	return r.Category != CategoryHandshake
}

// Placeholder reports whether the record still carries a locally
// synthesized ID awaiting reconciliation with the server.
func (r Record) Placeholder() bool {
	return r.ID < 0
}

var placeholderCounter atomic.Int64

// NextPlaceholderID returns a locally synthesized ID for a
// push-originated record. Placeholder IDs are negative so they can
// never collide with a server-assigned ID, and unique per process so
// two unreconciled pushes never collide with each other.
func NextPlaceholderID() int64 {
	return -placeholderCounter.Add(1)
}

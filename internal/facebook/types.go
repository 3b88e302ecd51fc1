package facebook

import (
	"strings"
	"time"
)

// Post is a single content item fetched from a page feed. Immutable once
// fetched; only its delivery is tracked durably.
type Post struct {
	ID          string
	PageID      string
	PublishedAt time.Time
	Author      string
	Description string
	Images      []string
	Links       []string
	EventID     string
	References  *Post
}

// Publishable reports whether the post carries enough content to be worth
// delivering: a non-blank description or at least one image.
func (p Post) Publishable() bool {
	if strings.TrimSpace(p.Description) != "" {
		return true
	}
	return len(p.Images) > 0
}

// Event is the detail of an event referenced by a post.
type Event struct {
	ID          string
	Image       string
	Title       string
	Description string
	Location    string
	StartsAt    time.Time
}

// Publishable requires a title and a start time.
func (e Event) Publishable() bool {
	return strings.TrimSpace(e.Title) != "" && !e.StartsAt.IsZero()
}

// GrantedPage is the result of a completed authorization handshake: a page
// the granting user manages, with its page access token.
type GrantedPage struct {
	UserID          string
	UserName        string
	PageID          string
	PageName        string
	PageAccessToken string
}

// createdTimeLayout matches Graph API timestamps like 2024-09-03T17:00:00+0300.
const createdTimeLayout = "2006-01-02T15:04:05-0700"

func parseGraphTime(value string) (time.Time, error) {
	return time.Parse(createdTimeLayout, strings.TrimSpace(value))
}

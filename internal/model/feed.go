package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultFeedSettle is how far behind the clock the notification feed reads.
// Rows younger than this are held back so a transaction that began earlier
// but commits later still lands ahead of the cursor.
const DefaultFeedSettle = 2 * time.Second

// FeedCursor is a position in a recipient's notification feed. The feed is
// ordered by creation time, ties broken by id.
type FeedCursor struct {
	CreatedAt time.Time
	ID        string
}

func (c FeedCursor) IsZero() bool { return c.ID == "" && c.CreatedAt.IsZero() }

// String renders the cursor as "<unix ns>.<id>", or "" for the start.
func (c FeedCursor) String() string {
	if c.IsZero() {
		return ""
	}
	return strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "." + c.ID
}

func cursorOf(n Notification) FeedCursor {
	return FeedCursor{CreatedAt: n.CreatedAt, ID: n.ID}
}

// ParseFeedCursor reads a cursor produced by FeedCursor.String.
func ParseFeedCursor(s string) (FeedCursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return FeedCursor{}, nil
	}
	ns, id, ok := strings.Cut(s, ".")
	if !ok || id == "" {
		return FeedCursor{}, invalid("after", fmt.Sprintf("malformed cursor %q", s))
	}
	v, err := strconv.ParseInt(ns, 10, 64)
	if err != nil || v < 0 {
		return FeedCursor{}, invalid("after", fmt.Sprintf("malformed cursor %q", s))
	}
	return FeedCursor{CreatedAt: time.Unix(0, v).UTC(), ID: id}, nil
}

// NotificationPage is one page of the feed. Next resumes after the last row,
// or repeats the request's cursor when the page is empty.
type NotificationPage struct {
	Notifications []Notification
	Next          string
}

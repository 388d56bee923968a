// Package discussion holds the comment model shared by the sync engine and the
// push-channel wire format.
package discussion

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrMalformedFrame   = errors.New("malformed frame")
)

// State is the local lifecycle of a comment as seen by the device that created it.
type State int

const (
	StateConfirmed State = iota
	StateTentative
	StateCached
)

func (s State) String() string {
	switch s {
	case StateTentative:
		return "tentative"
	case StateCached:
		return "cached"
	default:
		return "confirmed"
	}
}

// Comment is a single discussion entry. A negative ID marks a comment the
// remote service has not confirmed yet; TempID is the correlation token used to
// match it with its channel echo.
type Comment struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Member    int64     `json:"member"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TempID    int64     `json:"temp_id,omitempty"`
	State     State     `json:"-"`
}

func (c Comment) IsTentative() bool {
	return c.ID < 0
}

type Member struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Discussion struct {
	ID          int64     `json:"id"`
	Project     int64     `json:"project"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	Comments    []Comment `json:"comments,omitempty"`
}

// Page is one page of the paginated comment listing.
type Page struct {
	Count    int       `json:"count"`
	Next     *string   `json:"next"`
	Previous *string   `json:"previous"`
	Results  []Comment `json:"results"`
}

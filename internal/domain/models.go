package domain

import (
	"fmt"
	"time"
)

// Role is one of the two fixed parties of a support conversation.
type Role string

const (
	RoleClient Role = "client"
	RoleStaff  Role = "staff"
)

// Valid reports whether r is a known party.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleStaff
}

// Opposite returns the other party.
func (r Role) Opposite() Role {
	if r == RoleClient {
		return RoleStaff
	}
	return RoleClient
}

// ParseRole converts a raw string (e.g. a token claim) into a Role.
// "admin" is accepted as an alias for staff.
func ParseRole(s string) (Role, error) {
	switch s {
	case "client":
		return RoleClient, nil
	case "staff", "admin":
		return RoleStaff, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive   Status = "active"
	StatusClosed   Status = "closed"
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusClosed, StatusArchived:
		return true
	}
	return false
}

// Actor identifies who performs an operation. It is supplied by the
// authentication layer and threaded explicitly through every call.
type Actor struct {
	Role     Role
	Identity string
}

// Conversation is a long-lived support thread between one client and
// at most one staff member.
type Conversation struct {
	ID         string  `db:"id" json:"id"`
	ClientID   string  `db:"client_id" json:"client_id"`
	StaffID    *string `db:"staff_id" json:"staff_id,omitempty"`
	Title      *string `db:"title" json:"title,omitempty"`
	Category   *string `db:"category" json:"category,omitempty"`
	ProjectRef *string `db:"project_ref" json:"project_ref,omitempty"`
	Status     Status  `db:"status" json:"status"`

	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
	ClosedAt   *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	ArchivedAt *time.Time `db:"archived_at" json:"archived_at,omitempty"`

	ClientDeletedAt   *time.Time `db:"client_deleted_at" json:"client_deleted_at,omitempty"`
	AdminDeletedAt    *time.Time `db:"admin_deleted_at" json:"admin_deleted_at,omitempty"`
	RatingRequestedAt *time.Time `db:"rating_requested_at" json:"rating_requested_at,omitempty"`
}

// VisibleTo reports whether the conversation shows up in the given
// party's list. Only that party's own deletion marker matters.
func (c *Conversation) VisibleTo(role Role) bool {
	if role == RoleClient {
		return c.ClientDeletedAt == nil
	}
	return c.AdminDeletedAt == nil
}

// Message is an immutable chat entry. ReadAt is the only field that
// changes after insert, and only once.
type Message struct {
	ID             string     `db:"id" json:"id"`
	ConversationID string     `db:"conversation_id" json:"conversation_id"`
	SenderRole     Role       `db:"sender_role" json:"sender_role"`
	SenderIdentity string     `db:"sender_identity" json:"sender_identity"`
	Content        string     `db:"content" json:"content"` // encrypted at rest
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	ReadAt         *time.Time `db:"read_at" json:"read_at,omitempty"`
	Seq            int64      `db:"seq" json:"-"`
}

// Rating is the client's one-time feedback on a closed conversation.
type Rating struct {
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	Rating         int       `db:"rating" json:"rating"`
	Comments       *string   `db:"comments" json:"comments,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// ConversationFilter narrows list queries for one party.
type ConversationFilter struct {
	Role       Role
	Identity   string
	ProjectRef *string
	Status     *Status
}

// UnreadFilter scopes an unread count. ConversationID and ProjectRef
// are optional narrowing.
type UnreadFilter struct {
	Role           Role
	Identity       string
	ConversationID *string
	ProjectRef     *string
}

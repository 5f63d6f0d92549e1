// Package userstore persists user accounts, their exchange credentials, and
// the durable bot activation flag the manager rebuilds from on restart.
package userstore

import (
	"context"
	"time"

	"github.com/blitzgrid/blitz/internal/exchange"
	"github.com/blitzgrid/blitz/internal/schema"
)

// User is one account on the control plane.
type User struct {
	ID          int64
	Email       string
	Role        schema.Role
	APIToken    string
	Credentials exchange.Credentials
	Settings    schema.BotSettings

	// Active records that the user's bot should be running. It survives
	// restarts so the manager can rebuild its in-memory state.
	Active bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity projects the admission-relevant fields of the user.
func (u User) Identity() schema.Identity {
	return schema.Identity{UserID: u.ID, Email: u.Email, Role: u.Role}
}

// Store is the durable account repository.
type Store interface {
	// GetByToken resolves a bearer token to its user. Unknown tokens return
	// errs.CodeAuth.
	GetByToken(ctx context.Context, token string) (User, error)

	// GetByID returns the user or errs.CodeNotFound.
	GetByID(ctx context.Context, id int64) (User, error)

	// ListActive returns every user whose Active flag is set.
	ListActive(ctx context.Context) ([]User, error)

	// SetActive flips the durable activation flag.
	SetActive(ctx context.Context, id int64, active bool) error

	// Upsert inserts or updates the user keyed by email and returns the
	// stored row.
	Upsert(ctx context.Context, user User) (User, error)
}

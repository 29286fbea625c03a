package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant owns pools and the tasks submitted against them.
type Tenant struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Slug      string    `json:"slug" db:"slug"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Pool is a named dispatch domain scoping workers and queues. Pools must
// exist before tasks can be submitted against them.
type Pool struct {
	Name      string    `json:"name" db:"name"`
	TenantID  uuid.UUID `json:"tenant_id" db:"tenant_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DefaultPool is seeded by the bootstrap migration.
const DefaultPool = "default"

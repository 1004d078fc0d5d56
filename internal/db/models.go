package db

import (
	"encoding/json"

	"github.com/dreamforge/dream-server/internal/types"

	"github.com/uptrace/bun"
)

type Job struct {
	bun.BaseModel `bun:"table:jobs"`

	ID          string          `bun:",pk"`
	Mode        string          `bun:",notnull"`
	Status      types.JobStatus `bun:",notnull"`
	Input       json.RawMessage `bun:",nullzero"`
	Error       string          `bun:",nullzero"`
	CompletedAt bun.NullTime    `bun:",nullzero"`
	UpdatedAt   bun.NullTime    `bun:",nullzero,notnull,default:current_timestamp"`
	CreatedAt   bun.NullTime    `bun:",nullzero,notnull,default:current_timestamp"`
}

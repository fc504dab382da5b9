// Package jobstore archives terminal job records so they remain
// inspectable after the in-memory queue's retention window evicts them.
package jobstore

import (
	"context"
	"time"

	"github.com/vnmchuo/llm-jobqueue/internal/job"
)

type Store interface {
	SaveTerminal(ctx context.Context, rec *job.Record) error
	GetByID(ctx context.Context, id string) (*job.Record, error)
	ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*job.Record, error)
}

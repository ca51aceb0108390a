package storage

import (
	"context"
	"time"

	"github.com/Sriram-PR/site-mirror/pkg/models"
)

// ResourceStore handles resource dedup and status
type ResourceStore interface {
	// MarkQueued records key as queued with entry if it is not present yet.
	// The check and the insert happen in one transaction: exactly one caller
	// gets true for a given key.
	MarkQueued(key string, entry *models.ResourceDBEntry) (bool, error)

	// CheckStatus retrieves the status and details of a resource key.
	// Returns StatusNotFound when the key is absent and StatusDBError on failure.
	CheckStatus(key string) (status models.ResourceStatus, entry *models.ResourceDBEntry, err error)

	// UpdateStatus overwrites the entry for key
	UpdateStatus(key string, entry *models.ResourceDBEntry) error
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// GetVisitedCount returns the number of keys in the store
	GetVisitedCount() (int, error)

	// RequeueIncomplete scans the DB and sends incomplete items to the provided channel.
	// Should be called only during resume
	RequeueIncomplete(ctx context.Context, workChan chan<- models.WorkItem) (requeuedCount int, scanErrors int, err error)

	// WriteVisitedLog writes all resource keys to the specified file path
	WriteVisitedLog(filePath string) error

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// VisitedStore combines all store interfaces for components that need full access
type VisitedStore interface {
	ResourceStore
	StoreAdmin
}

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/log"
	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

const (
	resourceKeyPrefix = "res:"       // Prefix for resource keys in DB
	visitedDBDir      = "visited_db" // Subdirectory name within stateDir for Badger DB files
)

// BadgerStore implements the VisitedStore interface using BadgerDB
type BadgerStore struct {
	db       *badger.DB
	log      *logrus.Entry
	ctx      context.Context // Parent context
	keyCount atomic.Int64    // Cached key count for O(1) GetVisitedCount
	inMemory bool
}

// NewBadgerStore initializes and returns a new BadgerStore.
// An empty stateDir opens an in-memory database that cannot be resumed.
func NewBadgerStore(ctx context.Context, stateDir, siteKey string, resume bool, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{
		log:      logger,
		ctx:      ctx,
		inMemory: stateDir == "",
	}
	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))

	var opts badger.Options
	if stateDir == "" {
		if resume {
			logger.Warn("Resume requested without a state directory; starting from an empty in-memory state")
		}
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath := filepath.Join(stateDir, utils.SanitizeFilename(siteKey)+"_"+visitedDBDir)
		if !resume {
			logger.Warnf("Resume flag is false. REMOVING existing state directory: %s", dbPath)
			if err := os.RemoveAll(dbPath); err != nil {
				logger.Errorf("Failed to remove existing state directory %s: %v", dbPath, err)
			}
		}
		logger.Infof("Initializing visited resource database at: %s (Resume: %v)", dbPath, resume)
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
		}
		opts = badger.DefaultOptions(dbPath)
	}
	opts = opts.WithLogger(badgerLogger).WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database: %w", utils.ErrDatabase, err)
	}

	if resume && stateDir != "" {
		count, err := store.countKeys()
		if err != nil {
			logger.Warnf("Failed to count existing keys on resume: %v", err)
		} else {
			store.keyCount.Store(int64(count))
			logger.Infof("Loaded existing key count on resume: %d", count)
		}
	}

	logger.Info("Visited resource database initialized successfully.")
	return store, nil
}

// countKeys performs a one-time full key scan (used only during initialization on resume).
func (s *BadgerStore) countKeys() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(resourceKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// MarkQueued implements the VisitedStore interface
func (s *BadgerStore) MarkQueued(key string, entry *models.ResourceDBEntry) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("%w: visitedDB not initialized", utils.ErrDatabase)
	}
	var val []byte
	if entry != nil {
		var err error
		if val, err = json.Marshal(entry); err != nil {
			return false, fmt.Errorf("%w: failed to marshal entry for '%s': %w", utils.ErrParsing, key, err)
		}
	}

	added := false
	dbKey := []byte(resourceKeyPrefix + key)
	err := s.dbUpdate(func(txn *badger.Txn) error {
		added = false
		_, errGet := txn.Get(dbKey)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			if errSet := txn.SetEntry(badger.NewEntry(dbKey, val)); errSet != nil {
				return errSet
			}
			added = true
			return nil
		}
		return errGet // nil when the key already exists
	})
	if err != nil {
		s.log.WithField("key", key).Errorf("DB Update error in MarkQueued: %v", err)
		return false, fmt.Errorf("%w: marking key '%s': %w", utils.ErrDatabase, key, err)
	}
	if added {
		s.keyCount.Add(1)
	}
	return added, nil
}

// CheckStatus implements the VisitedStore interface
func (s *BadgerStore) CheckStatus(key string) (models.ResourceStatus, *models.ResourceDBEntry, error) {
	status := models.StatusNotFound
	var entry *models.ResourceDBEntry
	dbKey := []byte(resourceKeyPrefix + key)

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(dbKey)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: failed getting key '%s': %w", utils.ErrDatabase, key, errGet)
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				status = models.StatusQueued // Key exists but has no data yet
				return nil
			}
			var decoded models.ResourceDBEntry
			if errJSON := json.Unmarshal(val, &decoded); errJSON != nil {
				s.log.Warnf("Failed to unmarshal ResourceDBEntry for key '%s': %v. Treating as 'queued'.", key, errJSON)
				status = models.StatusQueued
				return nil
			}
			entry = &decoded
			status = decoded.Status
			return nil
		})
	})
	if errView != nil {
		s.log.Errorf("DB View error in CheckStatus for key '%s': %v", key, errView)
		return models.StatusDBError, nil, errView
	}
	return status, entry, nil
}

// UpdateStatus implements the VisitedStore interface
func (s *BadgerStore) UpdateStatus(key string, entry *models.ResourceDBEntry) error {
	if s.db == nil {
		return fmt.Errorf("%w: visitedDB not initialized", utils.ErrDatabase)
	}
	dbKey := []byte(resourceKeyPrefix + key)

	entryBytes, errJSON := json.Marshal(entry)
	if errJSON != nil {
		wrappedErr := fmt.Errorf("%w: failed to marshal ResourceDBEntry for key '%s': %w", utils.ErrParsing, key, errJSON)
		s.log.Error(wrappedErr)
		return wrappedErr
	}

	isNew := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		_, errGet := txn.Get(dbKey)
		isNew = errors.Is(errGet, badger.ErrKeyNotFound)
		return txn.SetEntry(badger.NewEntry(dbKey, entryBytes))
	})
	if err != nil {
		s.log.WithField("key", key).Errorf("DB Update error in UpdateStatus: %v", err)
		return fmt.Errorf("%w: failed setting status for key '%s': %w", utils.ErrDatabase, key, err)
	}
	if isNew {
		s.keyCount.Add(1)
	}
	s.log.Debugf("Updated status for key '%s' to '%s'", key, entry.Status)
	return nil
}

// GetVisitedCount implements the VisitedStore interface.
func (s *BadgerStore) GetVisitedCount() (int, error) {
	return int(s.keyCount.Load()), nil
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("BadgerDB GC goroutine started.")
	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() || s.inMemory {
				continue
			}
			var err error
			for err == nil {
				err = s.db.RunValueLogGC(0.5)
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB garbage collection: %v", ctx.Err())
			return
		}
	}
}

// RequeueIncomplete implements the VisitedStore interface
func (s *BadgerStore) RequeueIncomplete(ctx context.Context, workChan chan<- models.WorkItem) (int, int, error) {
	s.log.Info("Resume Mode: Scanning database for incomplete resources to requeue...")
	requeuedCount := 0
	scanErrors := 0
	scanStartTime := time.Now()

	scanErr := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(resourceKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				s.log.Warnf("Resume scan interrupted by context cancellation: %v", err)
				return err
			}

			item := it.Item()
			key := string(item.KeyCopy(nil)[len(prefix):])

			var entry models.ResourceDBEntry
			errValue := item.Value(func(val []byte) error {
				if len(val) == 0 {
					return errors.New("empty value")
				}
				return json.Unmarshal(val, &entry)
			})
			if errValue != nil {
				s.log.Errorf("Resume Scan: Unusable entry for '%s': %v. Skipping.", key, errValue)
				scanErrors++
				continue
			}
			if !entry.Status.IsIncomplete() {
				continue
			}

			s.log.Debugf("Resume Scan: Requeueing '%s' (Status: %s, Depth: %d)", entry.URL, entry.Status, entry.Depth)
			select {
			case workChan <- entry.WorkItem():
				requeuedCount++
			case <-ctx.Done():
				s.log.Warnf("Resume scan interrupted while sending '%s' to queue: %v", entry.URL, ctx.Err())
				return ctx.Err()
			}
		}
		return nil
	})

	if scanErr != nil && !errors.Is(scanErr, context.Canceled) && !errors.Is(scanErr, context.DeadlineExceeded) {
		s.log.Errorf("Error during DB scan for resume: %v.", scanErr)
	}
	s.log.Infof("Resume Scan Complete: Requeued %d resources in %v. Errors: %d.", requeuedCount, time.Since(scanStartTime), scanErrors)
	return requeuedCount, scanErrors, scanErr
}

// WriteVisitedLog implements the VisitedStore interface.
func (s *BadgerStore) WriteVisitedLog(filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		s.log.Errorf("Failed create visited log '%s': %v", filePath, err)
		return fmt.Errorf("%w: create visited log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	var firstErr error
	writtenCount := 0

	iterErr := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(resourceKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := s.ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.KeyCopy(nil)[len(prefix):])
			status := models.StatusQueued
			_ = item.Value(func(val []byte) error {
				var entry models.ResourceDBEntry
				if len(val) > 0 && json.Unmarshal(val, &entry) == nil {
					status = entry.Status
				}
				return nil
			})

			if _, writeErr := fmt.Fprintf(writer, "%s\t%s\n", status, key); writeErr != nil && firstErr == nil {
				firstErr = writeErr
			}
			writtenCount++
			if writtenCount%5000 == 0 {
				if flushErr := writer.Flush(); flushErr != nil && firstErr == nil {
					firstErr = flushErr
				}
			}
		}
		return nil
	})

	if iterErr != nil {
		s.log.Errorf("Error during visited DB iteration for log: %v", iterErr)
	}
	if flushErr := writer.Flush(); flushErr != nil && firstErr == nil {
		firstErr = flushErr
	}
	if syncErr := file.Sync(); syncErr != nil && firstErr == nil {
		firstErr = syncErr
	}

	if iterErr != nil {
		return iterErr
	}
	if firstErr != nil {
		s.log.Warnf("Finished writing visited log with errors. Wrote ~%d keys to %s", writtenCount, filePath)
		return fmt.Errorf("%w: write visited log: %w", utils.ErrFilesystem, firstErr)
	}
	s.log.Infof("Finished writing %d keys to visited log: %s", writtenCount, filePath)
	return nil
}

// Close implements the VisitedStore interface
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing visited DB: %v", err)
			return err
		}
		s.log.Debug("Visited DB closed.")
	}
	return nil
}

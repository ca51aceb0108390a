package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// Categories every run carries.
var Categories = []string{utils.SinkRetry, utils.SinkSkip, utils.SinkError, utils.SinkNotFound}

// Sinks routes per-resource outcomes to one logger per category.
// A Sinks value lives for one run: it is created with the run and closed when the run ends.
type Sinks struct {
	RunID string

	base    *logrus.Entry
	entries map[string]*logrus.Entry
	files   []*os.File
	counts  map[string]*atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// NewSinks creates the sinks for one run. With a non-empty dir each category is also
// written as JSON lines to <dir>/<category>.log; otherwise everything goes to base.
func NewSinks(dir string, base *logrus.Entry) (*Sinks, error) {
	s := &Sinks{
		RunID:   uuid.NewString(),
		entries: make(map[string]*logrus.Entry, len(Categories)),
		counts:  make(map[string]*atomic.Int64, len(Categories)),
	}
	s.base = base.WithField("run_id", s.RunID)

	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create log dir '%s': %w", utils.ErrFilesystem, dir, err)
		}
	}

	for _, cat := range Categories {
		s.counts[cat] = &atomic.Int64{}
		if dir == "" {
			s.entries[cat] = s.base.WithField("category", cat)
			continue
		}
		f, err := os.OpenFile(filepath.Join(dir, cat+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: open %s log: %w", utils.ErrFilesystem, cat, err)
		}
		s.files = append(s.files, f)

		logger := logrus.New()
		logger.SetOutput(f)
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetLevel(logrus.DebugLevel)
		s.entries[cat] = logger.WithFields(logrus.Fields{"run_id": s.RunID, "category": cat})
	}
	return s, nil
}

// Entry returns the logger for category and counts the use. Unknown categories map to error.
func (s *Sinks) Entry(category string) *logrus.Entry {
	e, ok := s.entries[category]
	if !ok {
		category = utils.SinkError
		e = s.entries[category]
	}
	s.counts[category].Add(1)
	return e
}

func (s *Sinks) Retry() *logrus.Entry    { return s.Entry(utils.SinkRetry) }
func (s *Sinks) Skip() *logrus.Entry     { return s.Entry(utils.SinkSkip) }
func (s *Sinks) Error() *logrus.Entry    { return s.Entry(utils.SinkError) }
func (s *Sinks) NotFound() *logrus.Entry { return s.Entry(utils.SinkNotFound) }

// Failure logs err to the sink its category belongs to.
func (s *Sinks) Failure(err error, fields logrus.Fields) {
	s.Entry(utils.SinkFor(err)).WithFields(fields).WithField("error_type", utils.CategorizeError(err)).Warn(err.Error())
}

// Counts returns how many records each category received.
func (s *Sinks) Counts() map[string]int64 {
	out := make(map[string]int64, len(s.counts))
	for cat, c := range s.counts {
		out[cat] = c.Load()
	}
	return out
}

// Close flushes and closes the category files. It is safe to call more than once.
func (s *Sinks) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, f := range s.files {
			if err := f.Sync(); err != nil {
				errs = append(errs, err)
			}
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
		s.base.WithField("counts", s.Counts()).Debug("Log sinks closed")
	})
	return s.closeErr
}

// Discard returns sinks that drop everything, for tests and embedding.
func Discard() *Sinks {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s, _ := NewSinks("", logrus.NewEntry(logger))
	return s
}

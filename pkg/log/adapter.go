package log

import "github.com/sirupsen/logrus"

// BadgerLogrusAdapter implements badger.Logger on top of a logrus entry.
// Badger's info output is routine compaction chatter, so it is logged at debug level.
type BadgerLogrusAdapter struct {
	*logrus.Entry
}

// NewBadgerLogrusAdapter creates a new adapter tagged with the store component.
func NewBadgerLogrusAdapter(entry *logrus.Entry) *BadgerLogrusAdapter {
	return &BadgerLogrusAdapter{entry.WithField("component", "badger")}
}

func (l *BadgerLogrusAdapter) Errorf(f string, v ...any)   { l.Entry.Errorf(f, v...) }
func (l *BadgerLogrusAdapter) Warningf(f string, v ...any) { l.Entry.Warnf(f, v...) }
func (l *BadgerLogrusAdapter) Infof(f string, v ...any)    { l.Entry.Debugf(f, v...) }
func (l *BadgerLogrusAdapter) Debugf(f string, v ...any)   { l.Entry.Tracef(f, v...) }

package log

import "github.com/sirupsen/logrus"

// entryLogger is a Logger over a logrus entry. The level methods come
// from the entry itself; only the field builders are wrapped so that
// they keep returning a Logger.
type entryLogger struct {
	*logrus.Entry
}

func newEntryLogger(l *logrus.Logger) Logger { return entryLogger{logrus.NewEntry(l)} }

func (l entryLogger) WithField(key string, value interface{}) Logger {
	return entryLogger{l.Entry.WithField(key, value)}
}

func (l entryLogger) WithFields(fields map[string]interface{}) Logger {
	return entryLogger{l.Entry.WithFields(fields)}
}

func (l entryLogger) WithError(err error) Logger {
	return entryLogger{l.Entry.WithError(err)}
}

func (l entryLogger) IsTraceEnabled() bool { return l.Logger.IsLevelEnabled(logrus.TraceLevel) }
func (l entryLogger) IsDebugEnabled() bool { return l.Logger.IsLevelEnabled(logrus.DebugLevel) }
func (l entryLogger) IsInfoEnabled() bool  { return l.Logger.IsLevelEnabled(logrus.InfoLevel) }

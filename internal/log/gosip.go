package log

import (
	gosiplog "github.com/ghettovoice/gosip/log"
	"github.com/sirupsen/logrus"
)

// SIPLogger adapts the logrus bridge to the logger the gosip parser expects.
func SIPLogger(prefix string) gosiplog.Logger {
	return &sipLogger{entry: logrus.NewEntry(bridge), prefix: prefix}
}

type sipLogger struct {
	entry  *logrus.Entry
	prefix string
}

func (l *sipLogger) with() *logrus.Entry {
	if l.prefix == "" {
		return l.entry
	}
	return l.entry.WithField("component", l.prefix)
}

func (l *sipLogger) Print(args ...interface{})                 { l.with().Print(args...) }
func (l *sipLogger) Printf(format string, args ...interface{}) { l.with().Printf(format, args...) }

func (l *sipLogger) Trace(args ...interface{})                 { l.with().Trace(args...) }
func (l *sipLogger) Tracef(format string, args ...interface{}) { l.with().Tracef(format, args...) }

func (l *sipLogger) Debug(args ...interface{})                 { l.with().Debug(args...) }
func (l *sipLogger) Debugf(format string, args ...interface{}) { l.with().Debugf(format, args...) }

func (l *sipLogger) Info(args ...interface{})                 { l.with().Info(args...) }
func (l *sipLogger) Infof(format string, args ...interface{}) { l.with().Infof(format, args...) }

func (l *sipLogger) Warn(args ...interface{})                 { l.with().Warn(args...) }
func (l *sipLogger) Warnf(format string, args ...interface{}) { l.with().Warnf(format, args...) }

func (l *sipLogger) Error(args ...interface{})                 { l.with().Error(args...) }
func (l *sipLogger) Errorf(format string, args ...interface{}) { l.with().Errorf(format, args...) }

// Fatal and Panic from a parser library must not end the process: they are
// logged at error level.
func (l *sipLogger) Fatal(args ...interface{})                 { l.with().Error(args...) }
func (l *sipLogger) Fatalf(format string, args ...interface{}) { l.with().Errorf(format, args...) }

func (l *sipLogger) Panic(args ...interface{})                 { l.with().Error(args...) }
func (l *sipLogger) Panicf(format string, args ...interface{}) { l.with().Errorf(format, args...) }

func (l *sipLogger) WithPrefix(prefix string) gosiplog.Logger {
	return &sipLogger{entry: l.entry, prefix: prefix}
}

func (l *sipLogger) Prefix() string {
	return l.prefix
}

func (l *sipLogger) WithFields(fields map[string]interface{}) gosiplog.Logger {
	return &sipLogger{entry: l.entry.WithFields(fields), prefix: l.prefix}
}

func (l *sipLogger) Fields() gosiplog.Fields {
	fields := make(gosiplog.Fields, len(l.entry.Data))
	for k, v := range l.entry.Data {
		fields[k] = v
	}
	return fields
}

// SetLevel is ignored: the level follows the slog configuration.
func (l *sipLogger) SetLevel(level uint32) {}

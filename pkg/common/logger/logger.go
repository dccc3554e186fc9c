package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

func Init() {
	Log = New(os.Stderr, os.Getenv("LOG_LEVEL"))
}

// New builds a JSON logger writing to out. An empty or unknown level means info.
func New(out io.Writer, level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	if level == "" {
		level = "info"
	}
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	l.SetLevel(logLevel)
	return l
}

func WithField(key string, value interface{}) *logrus.Entry {
	return ensure().WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return ensure().WithFields(fields)
}

// Entry returns the root entry of the process logger.
func Entry() *logrus.Entry {
	return logrus.NewEntry(ensure())
}

// Discard returns an entry whose output is thrown away.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// Capture returns a copy of entry that also writes every record to w.
// The returned entry keeps the fields of the original one.
func Capture(entry *logrus.Entry, w io.Writer) *logrus.Entry {
	base := entry.Logger
	l := logrus.New()
	l.SetFormatter(base.Formatter)
	l.SetLevel(base.GetLevel())
	l.SetOutput(io.MultiWriter(base.Out, w))
	return l.WithFields(entry.Data)
}

func ensure() *logrus.Logger {
	if Log == nil {
		Init()
	}
	return Log
}

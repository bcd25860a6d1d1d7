package store

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// OpenBadger opens the embedded database backing the badger store driver.
// An empty path opens an in-memory database. Badger output goes through
// log, whose handler level decides what is kept.
func OpenBadger(path string, log *slog.Logger) (*badger.DB, error) {
	options := badger.DefaultOptions(path).WithLogger(badgerLogger{log: log})
	if path == "" {
		options = options.WithInMemory(true)
	}

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return db, nil
}

// badgerLogger forwards badger's printf-style logs to slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(clean(format, args...), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(clean(format, args...), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Info(clean(format, args...), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(clean(format, args...), "component", "badger")
}

func clean(format string, args ...any) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}

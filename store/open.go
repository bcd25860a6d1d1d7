package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/nexus-im/courier/store/message"
	"github.com/nexus-im/courier/store/user"
)

const (
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// Stores bundles the two stores of one backend and the handle behind them.
type Stores struct {
	Users    user.Store
	Messages message.Store

	close func() error
}

func (s *Stores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Open connects the selected backend. For postgres the schema is applied
// before returning.
func Open(ctx context.Context, driver, databaseURL, badgerPath string, log *slog.Logger) (*Stores, error) {
	switch driver {
	case DriverPostgres:
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("database unreachable: %w", err)
		}
		if err := Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info("Connected to database", "driver", driver)
		return &Stores{
			Users:    user.NewSQLStore(db),
			Messages: message.NewSQLStore(db, nil),
			close:    db.Close,
		}, nil

	case DriverBadger:
		db, err := OpenBadger(badgerPath, log)
		if err != nil {
			return nil, err
		}
		log.Info("Opened embedded database", "driver", driver, "path", badgerPath)
		return &Stores{
			Users:    user.NewBadgerStore(db),
			Messages: message.NewBadgerStore(db, nil),
			close:    db.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

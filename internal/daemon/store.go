package daemon

import (
	"context"

	"git.home.luguber.info/inful/buildcoord/internal/config"
	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/store"
)

// OpenRecordStore opens the record store selected by the configuration.
func OpenRecordStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	var dialect store.Dialect
	switch c.Driver {
	case config.StoreDriverMemory:
		return store.NewMemoryStore(), nil
	case config.StoreDriverSQLite:
		dialect = store.DialectSQLite
	case config.StoreDriverPostgres:
		dialect = store.DialectPostgres
	default:
		return nil, errors.ConfigError("unsupported store driver").
			WithContext("driver", string(c.Driver)).
			Build()
	}
	s, err := store.Open(ctx, dialect, c.DSN)
	if err != nil {
		return nil, err
	}
	return s, nil
}

package storage

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Open selects a backend by configuration precedence: PostgreSQL when a DSN
// is set, then Redis/Valkey, then the local credentials directory. The
// returned store is initialized and ready.
func Open(ctx context.Context, postgresDSN, redisURL, credentialsDir string) (Store, error) {
	var store Store
	switch {
	case postgresDSN != "":
		log.Info("using postgres storage backend")
		store = NewPostgresStore(postgresDSN)
	case redisURL != "":
		log.Info("using redis storage backend")
		store = NewRedisStore(redisURL)
	default:
		log.WithField("dir", credentialsDir).Info("using file storage backend")
		store = NewFileStore(credentialsDir)
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

package geo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/hmssql/georouter/internal/logging"
	"github.com/hmssql/georouter/internal/objectstore"
)

// ErrNoStore is returned for an s3:// source when no object store is given.
var ErrNoStore = errors.New("geo: s3 database source requires an object store")

// OpenLocator loads the City database named by source.
//
// An empty source disables geolocation (nil locator, nil error). A local
// path that does not exist is logged and also disables geolocation. A file
// that exists but cannot be parsed is an error. An s3://bucket/key source is
// downloaded through store and parsed in memory.
func OpenLocator(ctx context.Context, source string, store objectstore.Store, logger *logging.Logger) (*MaxMindLocator, error) {
	if logger == nil {
		logger = logging.Global()
	}
	logger = logger.Named("geo")

	if source == "" {
		logger.Info("no geoip database configured, geolocation disabled")
		return nil, nil
	}

	if objectstore.IsURL(source) {
		return openFromStore(ctx, source, store, logger)
	}

	if _, err := os.Stat(source); errors.Is(err, fs.ErrNotExist) {
		logger.Warnf("geoip database not found, geolocation disabled", map[string]any{
			"path": source,
		})
		return nil, nil
	}

	loc, err := OpenMaxMind(source)
	if err != nil {
		return nil, err
	}
	logger.Infof("geoip database loaded", map[string]any{
		"path": source,
		"type": loc.DatabaseType(),
	})
	return loc, nil
}

func openFromStore(ctx context.Context, source string, store objectstore.Store, logger *logging.Logger) (*MaxMindLocator, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	_, key, err := objectstore.ParseURL(source)
	if err != nil {
		return nil, err
	}

	meta, err := store.Head(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("geo: stat %s: %w", source, err)
	}
	logger.Infof("downloading geoip database", map[string]any{
		"source": source,
		"bytes":  meta.Size,
	})

	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("geo: fetch %s: %w", source, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("geo: read %s: %w", source, err)
	}

	loc, err := MaxMindFromBytes(data)
	if err != nil {
		return nil, err
	}
	logger.Infof("geoip database loaded", map[string]any{
		"source": source,
		"bytes":  len(data),
		"type":   loc.DatabaseType(),
	})
	return loc, nil
}

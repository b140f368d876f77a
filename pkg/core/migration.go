package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/caiatech/refgraph/datastore"
	"github.com/caiatech/refgraph/logging"
	"github.com/caiatech/refgraph/pkg/refs"
)

// copyBatch is how many object keys are listed per round trip.
const copyBatch = 512

// MigrationStats summarizes a Migrate call.
type MigrationStats struct {
	Objects int
	Refs    int
	Config  int
}

// Migrate copies every object, reference and known config entry from src to
// dst, so a repository can move between backends. Objects already present
// in dst are skipped; references and config are overwritten. Payloads are
// copied byte for byte, compressed or not.
func Migrate(ctx context.Context, src, dst datastore.DataStore, logger *logging.Logger) (MigrationStats, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("migrate").WithFields(map[string]interface{}{
		"from": src.Type(),
		"to":   dst.Type(),
	})

	var stats MigrationStats
	err := logger.LogOperation("migrate", func() error {
		keys, err := src.ObjectStore().ListObjects(ctx, "", 0)
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		for start := 0; start < len(keys); start += copyBatch {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := start + copyBatch
			if end > len(keys) {
				end = len(keys)
			}
			n, err := copyObjects(ctx, src.ObjectStore(), dst.ObjectStore(), keys[start:end])
			stats.Objects += n
			if err != nil {
				return err
			}
		}

		refList, err := src.RefStore().ListRefs(ctx, "")
		if err != nil {
			return fmt.Errorf("list refs: %w", err)
		}
		for name, entry := range refList {
			if err := dst.RefStore().PutRef(ctx, name, entry); err != nil {
				return fmt.Errorf("copy ref %s: %w", name, err)
			}
			stats.Refs++
		}

		// The ref store has no config listing; copy the keys this module writes.
		keysToCopy := []string{hashConfigKey}
		for name := range refList {
			if refs.Classify(name) == refs.RefTypeBranch {
				keysToCopy = append(keysToCopy, refs.UpstreamConfigKey(name))
			}
		}
		for _, key := range keysToCopy {
			value, err := src.RefStore().GetConfig(ctx, key)
			if errors.Is(err, datastore.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("read config %s: %w", key, err)
			}
			if err := dst.RefStore().SetConfig(ctx, key, value); err != nil {
				return fmt.Errorf("copy config %s: %w", key, err)
			}
			stats.Config++
		}
		return nil
	})

	logger.WithFields(map[string]interface{}{
		"objects": stats.Objects,
		"refs":    stats.Refs,
		"config":  stats.Config,
	}).Info("migration finished")
	return stats, err
}

func copyObjects(ctx context.Context, src, dst datastore.ObjectStore, keys []string) (int, error) {
	copied := 0
	for _, key := range keys {
		exists, err := dst.HasObject(ctx, key)
		if err != nil {
			return copied, fmt.Errorf("check object %s: %w", key, err)
		}
		if exists {
			continue
		}
		data, err := src.GetObject(ctx, key)
		if err != nil {
			return copied, fmt.Errorf("read object %s: %w", key, err)
		}
		if err := dst.PutObject(ctx, key, data); err != nil {
			return copied, fmt.Errorf("write object %s: %w", key, err)
		}
		copied++
	}
	return copied, nil
}

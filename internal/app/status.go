package app

import (
	"context"
	"fmt"
	"strings"

	"notifbot/internal/config"
	"notifbot/internal/dispatch"
	"notifbot/internal/storage"
	logx "notifbot/pkg/logx"
)

// LookupStatus resolves a notification id, or an unambiguous prefix of one,
// against the state store named by the config file and returns its lifecycle
// state with the full attempt history. It opens the store directly, so it is
// meant for the -status CLI mode run on the state volume.
func LookupStatus(ctx context.Context, cfgPath, ref string) (*dispatch.Status, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return nil, invalidf("storage.path is required")
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	kv, err := storage.Open(sc, logx.Nop())
	if err != nil {
		return nil, err
	}
	defer kv.Close()

	store := dispatch.NewStore(kv, logx.Nop())
	id, err := store.LookupByPrefix(ctx, strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	return store.Status(ctx, id)
}

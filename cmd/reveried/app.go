package main

import (
	"os"

	"github.com/mwaldrop/reverie/internal/config"
	"github.com/mwaldrop/reverie/internal/db"
	"github.com/mwaldrop/reverie/internal/hydrate"
	"github.com/mwaldrop/reverie/internal/queue"
	"github.com/mwaldrop/reverie/internal/remote"
	"github.com/mwaldrop/reverie/internal/store"
	"github.com/mwaldrop/reverie/internal/syncer"
	"github.com/mwaldrop/reverie/internal/trigger"
)

// app wires the engine together: database, store, queue, remote adapter,
// processor, hydrator and trigger. One app per process.
type app struct {
	config   *config.Config
	database *db.DB
	store    *store.Store
	queue    *queue.MutationQueue
	adapter  remote.Adapter
	proc     *syncer.Processor
	hydrator *hydrate.Hydrator
	trigger  *trigger.Trigger
}

func newApp(cfg *config.Config) (*app, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Up(); err != nil {
		database.Close()
		return nil, err
	}

	st := store.New(database)
	q := queue.New(database)
	st.AttachQueue(q)

	if err := q.Recover(); err != nil {
		database.Close()
		return nil, err
	}

	adapter, err := remote.NewDriveClient(remote.DriveConfig{
		BaseURL:        cfg.Remote.BaseURL,
		Scope:          cfg.Remote.Scope,
		RequestTimeout: cfg.Remote.RequestTimeout,
		PageSize:       cfg.Remote.PageSize,
	}, tokenProvider(cfg))
	if err != nil {
		database.Close()
		return nil, err
	}

	proc := syncer.New(st, q, adapter, syncer.Config{Workers: cfg.Sync.Workers})

	a := &app{
		config:   cfg,
		database: database,
		store:    st,
		queue:    q,
		adapter:  adapter,
		proc:     proc,
		hydrator: hydrate.New(st, adapter),
		trigger: trigger.New(proc, trigger.Config{
			Debounce: cfg.Sync.Debounce,
			Interval: cfg.Sync.Interval,
		}),
	}
	return a, nil
}

func (a *app) Close() error {
	return a.database.Close()
}

// tokenProvider picks where access tokens come from. The engine never
// mints or refreshes credentials itself.
func tokenProvider(cfg *config.Config) remote.TokenProvider {
	if cfg.Remote.TokenFile != "" {
		return &remote.FileTokenProvider{Path: cfg.Remote.TokenFile}
	}
	return remote.StaticTokenProvider(os.Getenv("REVERIE_ACCESS_TOKEN"))
}

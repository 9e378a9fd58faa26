package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/sembridge/sembridge/config"
	"github.com/sembridge/sembridge/fusion"
	"github.com/sembridge/sembridge/localindex"
	"github.com/sembridge/sembridge/remote"
	"github.com/sembridge/sembridge/statestore"
	"github.com/sembridge/sembridge/throttle"
)

// workspace bundles the configured components for one project root.
type workspace struct {
	root    string
	cfg     *config.Config
	store   statestore.Store
	index   *localindex.LocalIngestIndex
	client  *remote.Client
	fileset string
}

// openWorkspace locates the project, loads its config, and constructs the
// component graph. The rate limiter is a fresh instance per invocation, one
// per remote binding.
func openWorkspace(ctx context.Context) (*workspace, error) {
	root, err := config.FindProjectRoot()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	store, err := newStateStore(ctx, cfg, root)
	if err != nil {
		return nil, err
	}

	matcher, err := localindex.NewIgnoreMatcher(root, cfg.Ignore)
	if err != nil {
		return nil, fmt.Errorf("failed to build ignore matcher: %w", err)
	}

	index := localindex.NewLocalIngestIndex(root, cfg.RemoteIndexedRoots, matcher, store)
	if err := index.Load(ctx); err != nil {
		return nil, err
	}

	limiter := throttle.NewAdaptiveRateClient(cfg.Remote.TargetQuota)
	client := remote.NewClient(cfg.Remote.Endpoint, limiter, remote.WithAPIKey(cfg.Remote.APIKey))

	return &workspace{
		root:    root,
		cfg:     cfg,
		store:   store,
		index:   index,
		client:  client,
		fileset: cfg.Fileset(root),
	}, nil
}

func newStateStore(ctx context.Context, cfg *config.Config, root string) (statestore.Store, error) {
	switch cfg.Store.Backend {
	case "", "gob":
		return statestore.NewGOBStore(config.GetStatePath(root)), nil
	case "postgres":
		return statestore.NewPostgresStore(ctx, cfg.Store.Postgres.DSN, cfg.Fileset(root))
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func (w *workspace) publisher() *remote.Publisher {
	return remote.NewPublisher(w.client, w.index, w.fileset)
}

func (w *workspace) coordinator() *fusion.Coordinator {
	cfg := fusion.Config{
		MaxDiffFiles: w.cfg.Search.MaxDiffFiles,
		MaxDiffRatio: w.cfg.Search.MaxDiffRatio,
		FastTimeout:  time.Duration(w.cfg.Search.FastTimeoutMs) * time.Millisecond,
		DiffBudget:   time.Duration(w.cfg.Search.DiffBudgetMs) * time.Millisecond,
	}
	return fusion.NewCoordinator(
		newRemoteSearcher(w.client, w.cfg.Remote.EmbeddingModel),
		newIngestSearcher(w.client, w.fileset, w.cfg.Remote.EmbeddingModel),
		newDiffSearcher(w.client, w.fileset, w.cfg.Remote.EmbeddingModel, w.root),
		cfg,
	)
}

func (w *workspace) close() {
	if err := w.store.Close(); err != nil {
		fmt.Println("Warning: failed to persist state:", err)
	}
}

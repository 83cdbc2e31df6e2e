package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arturoeanton/nflow-automate/cache"
	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/arturoeanton/nflow-automate/model"
)

// PathCache memoizes compiled paths per workflow version. A miss falls back
// to the store and then to compiling the workflow, writing the result through.
type PathCache struct {
	store GraphStore
	memo  *cache.Cache[string, []model.FlowPath]
}

// NewPathCache creates a cache over store, which may be nil.
func NewPathCache(store GraphStore, ttl time.Duration) *PathCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &PathCache{
		store: store,
		memo:  cache.New[string, []model.FlowPath](ttl),
	}
}

func pathKey(workflowID string, version int64) string {
	return fmt.Sprintf("%s@%d", workflowID, version)
}

// Paths returns the compiled paths of w at its current version.
func (pc *PathCache) Paths(ctx context.Context, w *model.Workflow) ([]model.FlowPath, error) {
	key := pathKey(w.ID, w.Version)
	if paths, ok := pc.memo.Get(key); ok {
		return paths, nil
	}

	if pc.store != nil {
		paths, err := pc.store.LoadCompiledPaths(ctx, w.ID, w.Version)
		switch {
		case err == nil:
			pc.memo.Set(key, paths)
			return paths, nil
		case errors.Is(err, model.ErrPathsNotFound), errors.Is(err, model.ErrStalePaths):
		default:
			logger.Warn("loading compiled paths failed, recompiling", "workflow", w.ID, logger.Err(err))
		}
	}

	paths, err := Compile(w)
	if err != nil {
		return nil, err
	}
	if pc.store != nil {
		if err := pc.store.SaveCompiledPaths(ctx, w.ID, w.Version, paths); err != nil {
			logger.Warn("saving compiled paths failed", "workflow", w.ID, logger.Err(err))
		}
	}
	pc.memo.Set(key, paths)
	return paths, nil
}

// Put stores freshly compiled paths for w in the store and the memo.
func (pc *PathCache) Put(ctx context.Context, w *model.Workflow, paths []model.FlowPath) error {
	if pc.store != nil {
		if err := pc.store.SaveCompiledPaths(ctx, w.ID, w.Version, paths); err != nil {
			return fmt.Errorf("save compiled paths of %s: %w", w.ID, err)
		}
	}
	pc.memo.Set(pathKey(w.ID, w.Version), paths)
	return nil
}

// Invalidate drops every memoized version of a workflow.
func (pc *PathCache) Invalidate(workflowID string) int {
	prefix := workflowID + "@"
	return pc.memo.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, prefix) })
}

func (pc *PathCache) InvalidateAll() {
	pc.memo.Clear()
}

func (pc *PathCache) Size() int {
	return pc.memo.Size()
}

func (pc *PathCache) Close() {
	pc.memo.Close()
}

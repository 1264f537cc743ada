package gateway

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/matthewdeanmartin/ai-fish-tank/pkg/models"
)

const shardCount = 64

// registry coalesces concurrent fetches for the same fingerprint. Keys are
// spread over independent singleflight groups so unrelated fingerprints never
// wait on the same lock.
type registry struct {
	shards [shardCount]singleflight.Group
}

func (r *registry) shard(fp models.Fingerprint) *singleflight.Group {
	return &r.shards[int(fp[0])%shardCount]
}

// do runs fn once per fingerprint among concurrent callers. Cacheable and
// uncacheable callers never share a flight, so a result that should be
// written back is never produced by a flight that skips the write. fn runs
// on its own goroutine, so a caller whose ctx ends returns early while fn
// carries on for everyone else. Each caller gets its own copy of the response.
func (r *registry) do(ctx context.Context, fp models.Fingerprint, cacheable bool, fn func() (models.Response, error)) (resp models.Response, shared bool, err error) {
	key := fp.String()
	if !cacheable {
		key += ":nocache"
	}
	ch := r.shard(fp).DoChan(key, func() (any, error) {
		return fn()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return models.Response{}, res.Shared, res.Err
		}
		return res.Val.(models.Response).Clone(), res.Shared, nil
	case <-ctx.Done():
		return models.Response{}, false, ctx.Err()
	}
}

// Package reference turns a device identity into the reference counts it is
// reconciled against: the employee directory count for the device's site
// scope and, when configured, a count from the relational store.
package reference

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lucaslui/hems/roster-reconciler/internal/model"
	"github.com/lucaslui/hems/roster-reconciler/internal/store"
)

type Assets interface {
	Assets(ctx context.Context) (store.AssetIndex, error)
	SiteGroupSites(ctx context.Context, groupID int64) ([]int64, error)
	HasUserCount() bool
	UserCount(ctx context.Context, asset model.Asset) (int, error)
}

type Directory interface {
	UserCount(ctx context.Context, siteIDs []int64) (int, error)
}

type CountCache interface {
	Get(ctx context.Context, siteIDs []int64) (int, bool)
	Set(ctx context.Context, siteIDs []int64, n int)
}

type Resolver struct {
	assets    Assets
	directory Directory
	cache     CountCache
	logger    zerolog.Logger

	mu     sync.Mutex
	index  store.AssetIndex
	groups map[int64][]int64

	flight singleflight.Group
}

// NewResolver builds a resolver. cache may be nil.
func NewResolver(assets Assets, directory Directory, cache CountCache, logger zerolog.Logger) *Resolver {
	return &Resolver{
		assets:    assets,
		directory: directory,
		cache:     cache,
		logger:    logger.With().Str("component", "reference").Logger(),
		groups:    make(map[int64][]int64),
	}
}

// Preload fetches the asset listing. Resolve loads it lazily when Preload was
// not called or failed.
func (r *Resolver) Preload(ctx context.Context) error {
	_, err := r.loadIndex(ctx)
	return err
}

func (r *Resolver) loadIndex(ctx context.Context) (store.AssetIndex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index != nil {
		return r.index, nil
	}
	ix, err := r.assets.Assets(ctx)
	if err != nil {
		return nil, err
	}
	r.index = ix
	return ix, nil
}

// Scope returns the site ids an asset's users are provisioned under: the
// sites of its site group, or its own site.
func (r *Resolver) Scope(ctx context.Context, a model.Asset) ([]int64, error) {
	if a.SiteGroupID == nil {
		return []int64{a.SiteID}, nil
	}
	gid := *a.SiteGroupID

	r.mu.Lock()
	sites, ok := r.groups[gid]
	r.mu.Unlock()
	if !ok {
		var err error
		sites, err = r.assets.SiteGroupSites(ctx, gid)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.groups[gid] = sites
		r.mu.Unlock()
	}

	if len(sites) == 0 {
		return []int64{a.SiteID}, nil
	}
	return sites, nil
}

// Resolve never fails: anything it cannot determine is an absent count.
func (r *Resolver) Resolve(ctx context.Context, key model.DeviceKey) model.References {
	log := r.logger.With().Str("device", key.String()).Logger()

	ix, err := r.loadIndex(ctx)
	if err != nil {
		log.Error().Err(err).Msg("asset listing unavailable")
		return model.References{}
	}
	asset, err := ix.Find(key.SerialNumber)
	if err != nil {
		if errors.Is(err, store.ErrAssetNotFound) {
			log.Warn().Msg("serial not in asset listing")
			return model.References{Annotation: model.AnnotationUnknownAsset}
		}
		return model.References{}
	}

	refs := model.References{AssetID: asset.AssetID}

	sites, err := r.Scope(ctx, asset)
	if err != nil {
		log.Warn().Err(err).Int64("asset_id", asset.AssetID).Msg("site scope unavailable")
	} else {
		refs.SiteIDs = sites
		refs.APICount = r.apiCount(ctx, sites)
	}

	if r.assets.HasUserCount() {
		if n, err := r.assets.UserCount(ctx, asset); err != nil {
			log.Warn().Err(err).Msg("database user count unavailable")
		} else {
			refs.DatabaseCount = model.Some(n)
		}
	}
	return refs
}

func (r *Resolver) apiCount(ctx context.Context, sites []int64) model.Count {
	if r.cache != nil {
		if n, ok := r.cache.Get(ctx, sites); ok {
			return model.Some(n)
		}
	}

	v, err, _ := r.flight.Do(scopeKey(sites), func() (any, error) {
		n, err := r.directory.UserCount(ctx, sites)
		if err != nil {
			return 0, err
		}
		if r.cache != nil {
			r.cache.Set(ctx, sites, n)
		}
		return n, nil
	})
	if err != nil {
		return model.None
	}
	return model.Some(v.(int))
}

func scopeKey(sites []int64) string {
	ids := append([]int64(nil), sites...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

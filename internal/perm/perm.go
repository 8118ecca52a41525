// Copyright 2024 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package perm implements permission checks for buckets and builds.
//
// During the migration off bucket-wide roles two models coexist: new
// realm-based checks and the deprecated role scan over bucket ACLs. Which
// one wins is an explicit Policy of the Engine, not a guess.
package perm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc/codes"

	"go.chromium.org/luci/auth/identity"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/sync/parallel"
	"go.chromium.org/luci/grpc/appstatus"
	"go.chromium.org/luci/server/auth"
	"go.chromium.org/luci/server/auth/realms"
	"go.chromium.org/luci/server/caching/layered"

	pb "go.chromium.org/luci/buildbucket/proto"

	"go.chromium.org/buildsched/internal/config"
	"go.chromium.org/buildsched/internal/reqcache"
	"go.chromium.org/buildsched/schedperms"
)

const (
	// Administrators is a group whose members can do anything in any bucket.
	Administrators = "administrators"
	// UpdateBuildAllowedUsers is a group of identities allowed to call
	// UpdateBuild. They are expected to be robots.
	UpdateBuildAllowedUsers = "buildbucket-update-build-users"
)

// Policy picks the authorization model during the realms migration.
type Policy int

const (
	// PolicyRealmsWithFallback grants on a realm permission, falling back to
	// the legacy role scan when realms say no. The default.
	PolicyRealmsWithFallback Policy = iota
	// PolicyRealmsOnly consults realms exclusively.
	PolicyRealmsOnly
	// PolicyLegacyOnly consults bucket ACL roles exclusively.
	PolicyLegacyOnly
)

type cachedRole struct {
	Role  pb.Acl_Role `json:"role"`
	Found bool        `json:"found"`
}

// Role lookups are cheap to recompute, so the TTL is short. The config
// revision is a part of the key: an ACL change rotates the key and the stale
// entry simply expires.
var roleCache = layered.RegisterCache(layered.Parameters[cachedRole]{
	ProcessCacheCapacity: 65536,
	GlobalNamespace:      "perm_role_v1",
	Marshal: func(item cachedRole) ([]byte, error) {
		return json.Marshal(item)
	},
	Unmarshal: func(blob []byte) (cachedRole, error) {
		out := cachedRole{}
		err := json.Unmarshal(blob, &out)
		return out, err
	},
})

// Enumerating every bucket is expensive, so the per-identity result is kept
// for longer.
var bucketsCache = layered.RegisterCache(layered.Parameters[[]string]{
	ProcessCacheCapacity: 1024,
	GlobalNamespace:      "perm_buckets_v1",
	Marshal: func(item []string) ([]byte, error) {
		return json.Marshal(item)
	},
	Unmarshal: func(blob []byte) ([]string, error) {
		var out []string
		err := json.Unmarshal(blob, &out)
		return out, err
	},
})

const (
	roleCacheTTL    = time.Minute
	bucketsCacheTTL = 10 * time.Minute
)

// Engine answers permission queries using bucket configs from the Store.
type Engine struct {
	cfg    config.Store
	policy Policy
}

// NewEngine returns an Engine reading ACLs from the given store.
func NewEngine(cfg config.Store, policy Policy) *Engine {
	return &Engine{cfg: cfg, policy: policy}
}

// NotFoundErr returns a generic NotFound appstatus error.
//
// Deliberately used for authorization failures too, to avoid confirming the
// existence of resources the caller can't see.
func NotFoundErr(ctx context.Context) error {
	return appstatus.Errorf(
		codes.NotFound,
		"requested resource not found or %q does not have permission to view it",
		auth.CurrentIdentity(ctx))
}

// HasInBucket checks the caller has the permission in the bucket.
//
// Returns nil if they do, an appstatus error if they don't or if the check
// itself failed:
//   - InvalidArgument if the bucket id is malformed.
//   - NotFound if the bucket doesn't exist or the caller can't see it.
//   - PermissionDenied if the caller can see the bucket but lacks the
//     permission.
func (e *Engine) HasInBucket(ctx context.Context, perm realms.Permission, project, bucket string) error {
	if err := config.ValidateProjectID(project); err != nil {
		return appstatus.BadRequest(err)
	}
	if err := config.ValidateBucketName(bucket); err != nil {
		return appstatus.BadRequest(err)
	}
	bucketID := config.FormatBucketID(project, bucket)

	switch has, err := e.Has(ctx, perm, bucketID); {
	case err != nil:
		return err
	case has:
		return nil
	}

	// The caller lacks the permission. Give PermissionDenied only to callers
	// that can at least see the bucket; otherwise pretend it doesn't exist.
	switch visible, err := e.Has(ctx, schedperms.BucketsGet, bucketID); {
	case err != nil:
		return err
	case visible:
		return appstatus.Errorf(
			codes.PermissionDenied,
			"%q does not have permission %q in bucket %q",
			auth.CurrentIdentity(ctx), perm, bucketID)
	default:
		return NotFoundErr(ctx)
	}
}

// HasInBuilder is a shortcut for HasInBucket with the builder's bucket.
func (e *Engine) HasInBuilder(ctx context.Context, perm realms.Permission, id *pb.BuilderID) error {
	return e.HasInBucket(ctx, perm, id.GetProject(), id.GetBucket())
}

// Has returns true if the caller has the permission in the bucket.
//
// Never fails for an unknown bucket, returns false instead. bucketID must be
// in the "<project>/<bucket>" form.
func (e *Engine) Has(ctx context.Context, perm realms.Permission, bucketID string) (bool, error) {
	project, bucket, err := config.ParseBucketID(bucketID)
	if err != nil {
		return false, appstatus.BadRequest(err)
	}

	// Unknown buckets have no permissions in them, no matter the policy.
	rev, cfg, err := e.cfg.GetBucket(ctx, bucketID)
	if err != nil {
		return false, errors.Annotate(err, "fetching config of %q", bucketID).Err()
	}
	if cfg == nil {
		return false, nil
	}

	if e.policy != PolicyLegacyOnly {
		switch ok, err := auth.HasPermission(ctx, perm, realms.Join(project, bucket), nil); {
		case err != nil:
			return false, err
		case ok:
			return true, nil
		}
		if e.policy == PolicyRealmsOnly {
			return false, nil
		}
	}

	minRole, known := schedperms.MinRole(perm)
	if !known {
		return false, errors.Reason("checking unknown permission %q", perm).Err()
	}
	role, found, err := e.roleIn(ctx, rev, cfg, bucketID)
	if err != nil {
		return false, err
	}
	return found && role >= minRole, nil
}

// FilterBucketsByPerm returns the subset of buckets the caller has the
// permission in.
//
// Evaluates all candidates concurrently. The empty input produces the empty
// set without any permission checks.
func (e *Engine) FilterBucketsByPerm(ctx context.Context, perm realms.Permission, bucketIDs []string) (stringset.Set, error) {
	out := stringset.New(len(bucketIDs))
	if len(bucketIDs) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	err := parallel.WorkPool(16, func(work chan<- func() error) {
		for _, bucketID := range stringset.NewFromSlice(bucketIDs...).ToSlice() {
			bucketID := bucketID
			work <- func() error {
				switch has, err := e.Has(ctx, perm, bucketID); {
				case err != nil:
					return err
				case has:
					mu.Lock()
					out.Add(bucketID)
					mu.Unlock()
				}
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BucketsByPerm returns all buckets the caller has the permission in.
//
// The result is cached for 10 min per (identity, permission) pair and
// deduplicated within one request.
func (e *Engine) BucketsByPerm(ctx context.Context, perm realms.Permission) (stringset.Set, error) {
	id := auth.CurrentIdentity(ctx)

	v, err := reqcache.GetOrCreate(ctx, fmt.Sprintf("buckets_by_perm/%s", perm), func() (any, error) {
		return bucketsCache.GetOrCreate(ctx, fmt.Sprintf("%s/%s", id, perm), func() ([]string, time.Duration, error) {
			logging.Infof(ctx, "computing the set of buckets %q has %q in", id, perm)
			all, err := e.cfg.AllBucketIDs(ctx)
			if err != nil {
				return nil, 0, err
			}
			matching, err := e.FilterBucketsByPerm(ctx, perm, all)
			if err != nil {
				return nil, 0, err
			}
			return matching.ToSortedSlice(), bucketsCacheTTL, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stringset.NewFromSlice(v.([]string)...), nil
}

// GetRole returns the most permissive legacy role of the caller in the
// bucket.
//
// The most permissive role is the one that allows the most actions, e.g.
// WRITER is more permissive than READER. Returns found == false if there's
// no such bucket or the caller has no role in it at all.
//
// Deprecated: use realm permissions via Has or HasInBucket.
func (e *Engine) GetRole(ctx context.Context, bucketID string) (role pb.Acl_Role, found bool, err error) {
	if err := config.ValidateBucketID(bucketID); err != nil {
		return 0, false, appstatus.BadRequest(err)
	}
	rev, cfg, err := e.cfg.GetBucket(ctx, bucketID)
	if err != nil {
		return 0, false, errors.Annotate(err, "fetching config of %q", bucketID).Err()
	}
	if cfg == nil {
		return 0, false, nil
	}
	return e.roleIn(ctx, rev, cfg, bucketID)
}

// roleIn resolves the caller's maximum role using the already-fetched bucket
// config, through the request-scoped and TTL caches.
func (e *Engine) roleIn(ctx context.Context, rev string, cfg *pb.Bucket, bucketID string) (pb.Acl_Role, bool, error) {
	id := auth.CurrentIdentity(ctx)

	v, err := reqcache.GetOrCreate(ctx, fmt.Sprintf("role/%s", bucketID), func() (any, error) {
		return roleCache.GetOrCreate(ctx, fmt.Sprintf("%s/%s/%s", rev, id, bucketID), func() (cachedRole, time.Duration, error) {
			role, found, err := e.computeRole(ctx, id, cfg, bucketID)
			if err != nil {
				return cachedRole{}, 0, err
			}
			return cachedRole{Role: role, Found: found}, roleCacheTTL, nil
		})
	})
	if err != nil {
		return 0, false, err
	}
	cached := v.(cachedRole)
	return cached.Role, cached.Found, nil
}

// computeRole scans the bucket ACLs for the maximum matching role.
func (e *Engine) computeRole(ctx context.Context, id identity.Identity, cfg *pb.Bucket, bucketID string) (pb.Acl_Role, bool, error) {
	switch admin, err := auth.IsMember(ctx, Administrators); {
	case err != nil:
		return 0, false, err
	case admin:
		return pb.Acl_WRITER, true, nil
	}

	// A LUCI service calling us in the context of some project may do
	// anything it wants within that project. A cross-project request must be
	// explicitly authorized in the bucket ACLs below.
	if id.Kind() == identity.Project {
		project, _, _ := config.ParseBucketID(bucketID)
		if project == id.Value() {
			return pb.Acl_WRITER, true, nil
		}
	}

	// Roles are ordinal: keep the single maximally permissive match.
	var best pb.Acl_Role
	found := false
	for _, rule := range cfg.GetAcls() {
		if found && rule.GetRole() <= best {
			continue
		}
		matched := rule.GetIdentity() == string(id) ||
			(id.Kind() == identity.User && rule.GetIdentity() == id.Value())
		if !matched && rule.GetGroup() != "" {
			var err error
			if matched, err = auth.IsMember(ctx, rule.Group); err != nil {
				return 0, false, err
			}
		}
		if matched {
			best = rule.GetRole()
			found = true
		}
	}
	return best, found, nil
}

// CanUpdateBuild returns true if the caller may call UpdateBuild.
func CanUpdateBuild(ctx context.Context) (bool, error) {
	return auth.IsMember(ctx, UpdateBuildAllowedUsers)
}

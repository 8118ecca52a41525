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

package perm

import (
	"context"
	"testing"

	"google.golang.org/grpc/codes"

	"go.chromium.org/luci/auth/identity"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
	"go.chromium.org/luci/grpc/appstatus"
	"go.chromium.org/luci/server/auth"
	"go.chromium.org/luci/server/auth/authtest"
	"go.chromium.org/luci/server/auth/realms"
	"go.chromium.org/luci/server/caching"

	pb "go.chromium.org/luci/buildbucket/proto"

	"go.chromium.org/buildsched/internal/config"
	"go.chromium.org/buildsched/internal/reqcache"
	"go.chromium.org/buildsched/schedperms"
)

func testingContext() context.Context {
	ctx := context.Background()
	ctx = caching.WithEmptyProcessCache(ctx)
	return ctx
}

func TestHasInBucket(t *testing.T) {
	t.Parallel()

	ftt.Run("With mocked auth DB", t, func(t *ftt.Test) {
		const (
			anon   = identity.AnonymousIdentity
			admin  = identity.Identity("user:admin@example.com")
			reader = identity.Identity("user:reader@example.com")
			writer = identity.Identity("user:writer@example.com")

			projectID        = "some-project"
			existingBucketID = "existing-bucket"
			missingBucketID  = "missing-bucket"

			existingRealmID = projectID + ":" + existingBucketID
			missingRealmID  = projectID + ":" + missingBucketID
		)

		ctx := testingContext()

		store := config.NewMemStore()
		store.SetBucket(projectID+"/"+existingBucketID, "rev1", &pb.Bucket{})
		engine := NewEngine(store, PolicyRealmsWithFallback)

		s := &authtest.FakeState{
			FakeDB: authtest.NewFakeDB(
				authtest.MockMembership(admin, Administrators),
			),
		}
		ctx = auth.WithState(ctx, s)

		check := func(bucketID string, perm realms.Permission, caller identity.Identity) codes.Code {
			s.Identity = caller
			err := engine.HasInBucket(ctx, perm, projectID, bucketID)
			if err == nil {
				return codes.OK
			}
			status, ok := appstatus.Get(err)
			if !ok {
				return codes.Internal
			}
			return status.Code()
		}

		t.Run("No realm ACLs", func(t *ftt.Test) {
			assert.Loosely(t, check(existingBucketID, schedperms.BuildsGet, anon), should.Equal(codes.NotFound))
			assert.Loosely(t, check(existingBucketID, schedperms.BuildsGet, admin), should.Equal(codes.OK))
			assert.Loosely(t, check(existingBucketID, schedperms.BuildsGet, reader), should.Equal(codes.NotFound))
			assert.Loosely(t, check(existingBucketID, schedperms.BuildsGet, writer), should.Equal(codes.NotFound))

			assert.Loosely(t, check(missingBucketID, schedperms.BuildsGet, anon), should.Equal(codes.NotFound))
			assert.Loosely(t, check(missingBucketID, schedperms.BuildsGet, admin), should.Equal(codes.NotFound))
			assert.Loosely(t, check(missingBucketID, schedperms.BuildsGet, reader), should.Equal(codes.NotFound))
			assert.Loosely(t, check(missingBucketID, schedperms.BuildsGet, writer), should.Equal(codes.NotFound))
		})

		t.Run("With realm ACLs", func(t *ftt.Test) {
			s.FakeDB.(*authtest.FakeDB).AddMocks(
				authtest.MockPermission(reader, existingRealmID, schedperms.BucketsGet),
				authtest.MockPermission(reader, existingRealmID, schedperms.BuildsGet),
				authtest.MockPermission(writer, existingRealmID, schedperms.BucketsGet),
				authtest.MockPermission(writer, existingRealmID, schedperms.BuildsGet),
				authtest.MockPermission(writer, existingRealmID, schedperms.BuildsCancel),

				authtest.MockPermission(reader, missingRealmID, schedperms.BucketsGet),
				authtest.MockPermission(reader, missingRealmID, schedperms.BuildsGet),
				authtest.MockPermission(writer, missingRealmID, schedperms.BucketsGet),
				authtest.MockPermission(writer, missingRealmID, schedperms.BuildsGet),
				authtest.MockPermission(writer, missingRealmID, schedperms.BuildsCancel),
			)

			t.Run("Read perm", func(t *ftt.Test) {
				assert.Loosely(t, check(existingBucketID, schedperms.BuildsGet, anon), should.Equal(codes.NotFound))
				assert.Loosely(t, check(existingBucketID, schedperms.BuildsGet, admin), should.Equal(codes.OK))
				assert.Loosely(t, check(existingBucketID, schedperms.BuildsGet, reader), should.Equal(codes.OK))
				assert.Loosely(t, check(existingBucketID, schedperms.BuildsGet, writer), should.Equal(codes.OK))
			})

			t.Run("Write perm", func(t *ftt.Test) {
				assert.Loosely(t, check(existingBucketID, schedperms.BuildsCancel, anon), should.Equal(codes.NotFound))
				assert.Loosely(t, check(existingBucketID, schedperms.BuildsCancel, admin), should.Equal(codes.OK))
				assert.Loosely(t, check(existingBucketID, schedperms.BuildsCancel, reader), should.Equal(codes.PermissionDenied))
				assert.Loosely(t, check(existingBucketID, schedperms.BuildsCancel, writer), should.Equal(codes.OK))
			})

			t.Run("Missing bucket", func(t *ftt.Test) {
				assert.Loosely(t, check(missingBucketID, schedperms.BuildsGet, anon), should.Equal(codes.NotFound))
				assert.Loosely(t, check(missingBucketID, schedperms.BuildsGet, admin), should.Equal(codes.NotFound))
				assert.Loosely(t, check(missingBucketID, schedperms.BuildsGet, reader), should.Equal(codes.NotFound))
				assert.Loosely(t, check(missingBucketID, schedperms.BuildsGet, writer), should.Equal(codes.NotFound))

				assert.Loosely(t, check(missingBucketID, schedperms.BuildsCancel, anon), should.Equal(codes.NotFound))
				assert.Loosely(t, check(missingBucketID, schedperms.BuildsCancel, admin), should.Equal(codes.NotFound))
				assert.Loosely(t, check(missingBucketID, schedperms.BuildsCancel, reader), should.Equal(codes.NotFound))
				assert.Loosely(t, check(missingBucketID, schedperms.BuildsCancel, writer), should.Equal(codes.NotFound))
			})
		})

		t.Run("Malformed bucket name", func(t *ftt.Test) {
			assert.Loosely(t, check("not a bucket!!!", schedperms.BuildsGet, admin), should.Equal(codes.InvalidArgument))
		})
	})
}

func TestLegacyRoles(t *testing.T) {
	t.Parallel()

	ftt.Run("With bucket ACLs", t, func(t *ftt.Test) {
		const (
			reader  = identity.Identity("user:reader@example.com")
			granted = identity.Identity("user:granted@example.com")
			project = identity.Identity("project:some-project")
		)

		ctx := testingContext()

		store := config.NewMemStore()
		store.SetBucket("some-project/legacy-bucket", "rev1", &pb.Bucket{
			Acls: []*pb.Acl{
				{Role: pb.Acl_READER, Group: "all-readers"},
				{Role: pb.Acl_SCHEDULER, Identity: "granted@example.com"},
				{Role: pb.Acl_WRITER, Identity: "user:granted@example.com"},
			},
		})
		engine := NewEngine(store, PolicyRealmsWithFallback)

		s := &authtest.FakeState{
			FakeDB: authtest.NewFakeDB(
				authtest.MockMembership(reader, "all-readers"),
			),
		}
		ctx = auth.WithState(ctx, s)

		roleOf := func(caller identity.Identity) (pb.Acl_Role, bool) {
			s.Identity = caller
			role, found, err := engine.GetRole(ctx, "some-project/legacy-bucket")
			assert.Loosely(t, err, should.BeNil)
			return role, found
		}

		t.Run("Group grant", func(t *ftt.Test) {
			role, found := roleOf(reader)
			assert.Loosely(t, found, should.BeTrue)
			assert.Loosely(t, role, should.Equal(pb.Acl_READER))
		})

		t.Run("Maximum of several rules wins", func(t *ftt.Test) {
			role, found := roleOf(granted)
			assert.Loosely(t, found, should.BeTrue)
			assert.Loosely(t, role, should.Equal(pb.Acl_WRITER))
		})

		t.Run("Project identity owns its own buckets", func(t *ftt.Test) {
			role, found := roleOf(project)
			assert.Loosely(t, found, should.BeTrue)
			assert.Loosely(t, role, should.Equal(pb.Acl_WRITER))
		})

		t.Run("Unknown identity has no role", func(t *ftt.Test) {
			_, found := roleOf("user:stranger@example.com")
			assert.Loosely(t, found, should.BeFalse)
		})

		t.Run("Unknown bucket has no roles", func(t *ftt.Test) {
			s.Identity = reader
			_, found, err := engine.GetRole(ctx, "some-project/no-such-bucket")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, found, should.BeFalse)
		})

		t.Run("Legacy role satisfies Has", func(t *ftt.Test) {
			s.Identity = granted
			has, err := engine.Has(ctx, schedperms.BuildsAdd, "some-project/legacy-bucket")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, has, should.BeTrue)

			s.Identity = reader
			has, err = engine.Has(ctx, schedperms.BuildsAdd, "some-project/legacy-bucket")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, has, should.BeFalse)
		})

		t.Run("PolicyRealmsOnly ignores bucket ACLs", func(t *ftt.Test) {
			realmsOnly := NewEngine(store, PolicyRealmsOnly)
			s.Identity = granted
			has, err := realmsOnly.Has(ctx, schedperms.BuildsAdd, "some-project/legacy-bucket")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, has, should.BeFalse)
		})
	})
}

// memberCountingDB counts group membership checks going to the auth DB.
type memberCountingDB struct {
	*authtest.FakeDB
	calls int
}

func (db *memberCountingDB) IsMember(ctx context.Context, id identity.Identity, groups []string) (bool, error) {
	db.calls++
	return db.FakeDB.IsMember(ctx, id, groups)
}

func TestRoleCaching(t *testing.T) {
	t.Parallel()

	ftt.Run("With a legacy bucket", t, func(t *ftt.Test) {
		const reader = identity.Identity("user:reader@example.com")

		ctx := testingContext()
		ctx = reqcache.Use(ctx)

		db := &memberCountingDB{FakeDB: authtest.NewFakeDB(
			authtest.MockMembership(reader, "all-readers"),
		)}
		ctx = auth.WithState(ctx, &authtest.FakeState{
			Identity: reader,
			FakeDB:   db,
		})

		store := config.NewMemStore()
		store.SetBucket("some-project/legacy-bucket", "rev1", &pb.Bucket{
			Acls: []*pb.Acl{{Role: pb.Acl_READER, Group: "all-readers"}},
		})
		engine := NewEngine(store, PolicyRealmsWithFallback)

		role, found, err := engine.GetRole(ctx, "some-project/legacy-bucket")
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, found, should.BeTrue)
		assert.Loosely(t, role, should.Equal(pb.Acl_READER))
		scans := db.calls
		assert.Loosely(t, scans, should.BeGreaterThan(0))

		// The second resolution within the same request is served from the
		// cache and never rescans the ACLs.
		role, found, err = engine.GetRole(ctx, "some-project/legacy-bucket")
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, found, should.BeTrue)
		assert.Loosely(t, role, should.Equal(pb.Acl_READER))
		assert.Loosely(t, db.calls, should.Equal(scans))
	})
}

func TestFilterBucketsByPerm(t *testing.T) {
	t.Parallel()

	ftt.Run("With a few buckets", t, func(t *ftt.Test) {
		const reader = identity.Identity("user:reader@example.com")

		ctx := testingContext()
		ctx = auth.WithState(ctx, &authtest.FakeState{
			Identity: reader,
			FakeDB: authtest.NewFakeDB(
				authtest.MockPermission(reader, "project:bucket1", schedperms.BuildersList),
				authtest.MockPermission(reader, "project:bucket2", schedperms.BuildersList),
				authtest.MockPermission(reader, "project2:bucket1", schedperms.BuildersList),
				authtest.MockPermission(reader, "project:bucket2", schedperms.BuildsCancel),
			),
		})

		store := config.NewMemStore()
		store.SetBucket("project/bucket1", "rev1", &pb.Bucket{})
		store.SetBucket("project/bucket2", "rev1", &pb.Bucket{})
		store.SetBucket("project2/bucket1", "rev1", &pb.Bucket{})
		engine := NewEngine(store, PolicyRealmsWithFallback)

		t.Run("Filters", func(t *ftt.Test) {
			got, err := engine.FilterBucketsByPerm(ctx, schedperms.BuildersList, []string{
				"project/bucket1", "project/bucket2", "project2/bucket1", "project2/missing",
			})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, got.ToSortedSlice(), should.Match([]string{
				"project/bucket1", "project/bucket2", "project2/bucket1",
			}))

			got, err = engine.FilterBucketsByPerm(ctx, schedperms.BuildsCancel, []string{
				"project/bucket1", "project/bucket2", "project2/bucket1",
			})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, got.ToSortedSlice(), should.Match([]string{"project/bucket2"}))
		})

		t.Run("Empty input", func(t *ftt.Test) {
			got, err := engine.FilterBucketsByPerm(ctx, schedperms.BuildersList, nil)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, got, should.HaveLength(0))
		})

		t.Run("BucketsByPerm enumerates everything", func(t *ftt.Test) {
			got, err := engine.BucketsByPerm(ctx, schedperms.BuildersList)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, got.ToSortedSlice(), should.Match([]string{
				"project/bucket1", "project/bucket2", "project2/bucket1",
			}))

			got, err = engine.BucketsByPerm(ctx, schedperms.BuildsCancel)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, got.ToSortedSlice(), should.Match([]string{"project/bucket2"}))
		})

		t.Run("Nobody sees nothing", func(t *ftt.Test) {
			nobodyCtx := auth.WithState(ctx, &authtest.FakeState{
				Identity: identity.Identity("user:unknown@example.com"),
			})
			got, err := engine.BucketsByPerm(nobodyCtx, schedperms.BuildersList)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, got, should.HaveLength(0))
		})
	})
}

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

package rpc

import (
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
	"go.chromium.org/luci/grpc/appstatus"
	"go.chromium.org/luci/server/auth/authtest"

	pb "go.chromium.org/luci/buildbucket/proto"

	"go.chromium.org/buildsched/schedperms"
)

func TestValidateGet(t *testing.T) {
	t.Parallel()

	ftt.Run("validateGet", t, func(t *ftt.Test) {
		t.Run("nothing", func(t *ftt.Test) {
			err := validateGet(&pb.GetBuildRequest{})
			assert.Loosely(t, err, should.ErrLike("one of id or (builder and build_number) is required"))
		})

		t.Run("id", func(t *ftt.Test) {
			assert.Loosely(t, validateGet(&pb.GetBuildRequest{Id: 1}), should.BeNil)
		})

		t.Run("id and builder", func(t *ftt.Test) {
			err := validateGet(&pb.GetBuildRequest{
				Id:      1,
				Builder: builderID("project", "bucket", "builder"),
			})
			assert.Loosely(t, err, should.ErrLike("id is mutually exclusive with (builder and build_number)"))
		})

		t.Run("builder without number", func(t *ftt.Test) {
			err := validateGet(&pb.GetBuildRequest{
				Builder: builderID("project", "bucket", "builder"),
			})
			assert.Loosely(t, err, should.ErrLike("one of id or (builder and build_number) is required"))
		})

		t.Run("bad builder", func(t *ftt.Test) {
			err := validateGet(&pb.GetBuildRequest{
				Builder:     builderID("project", "luci.project.ci", "builder"),
				BuildNumber: 1,
			})
			assert.Loosely(t, err, should.ErrLike(`Did you mean "project/ci"?`))
		})

		t.Run("builder and number", func(t *ftt.Test) {
			err := validateGet(&pb.GetBuildRequest{
				Builder:     builderID("project", "bucket", "builder"),
				BuildNumber: 1,
			})
			assert.Loosely(t, err, should.BeNil)
		})
	})
}

func TestGetBuild(t *testing.T) {
	t.Parallel()

	ftt.Run("GetBuild", t, func(t *ftt.Test) {
		env := newTestEnv(
			authtest.MockPermission(testCaller, "project:bucket", schedperms.BucketsGet),
			authtest.MockPermission(testCaller, "project:bucket", schedperms.BuildsGet),
		)
		env.addBucket("project", "bucket")

		bld, err := env.builds.Create(env.ctx, &pb.ScheduleBuildRequest{
			Builder: builderID("project", "bucket", "builder"),
			Tags:    []*pb.StringPair{{Key: "k", Value: "v"}},
		})
		assert.Loosely(t, err, should.BeNil)

		t.Run("by id", func(t *ftt.Test) {
			got, err := env.srv.GetBuild(env.ctx, &pb.GetBuildRequest{Id: bld.Id})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, got.Id, should.Equal(bld.Id))
			assert.Loosely(t, got.Builder, should.Match(bld.Builder))
			// Tags are not part of the default mask.
			assert.Loosely(t, got.Tags, should.HaveLength(0))
		})

		t.Run("by builder and number", func(t *ftt.Test) {
			got, err := env.srv.GetBuild(env.ctx, &pb.GetBuildRequest{
				Builder:     builderID("project", "bucket", "builder"),
				BuildNumber: bld.Number,
			})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, got.Id, should.Equal(bld.Id))
		})

		t.Run("with fields", func(t *ftt.Test) {
			got, err := env.srv.GetBuild(env.ctx, &pb.GetBuildRequest{
				Id:     bld.Id,
				Fields: &fieldmaskpb.FieldMask{Paths: []string{"tags"}},
			})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, got.Id, should.BeZero)
			assert.Loosely(t, got.Tags, should.Match([]*pb.StringPair{{Key: "k", Value: "v"}}))
		})

		t.Run("unknown number", func(t *ftt.Test) {
			_, err := env.srv.GetBuild(env.ctx, &pb.GetBuildRequest{
				Builder:     builderID("project", "bucket", "builder"),
				BuildNumber: 999,
			})
			st, ok := appstatus.Get(err)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, st.Code(), should.Equal(codes.NotFound))
		})

		t.Run("unknown id", func(t *ftt.Test) {
			_, err := env.srv.GetBuild(env.ctx, &pb.GetBuildRequest{Id: 987654321})
			st, ok := appstatus.Get(err)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, st.Code(), should.Equal(codes.NotFound))
		})

		t.Run("no read access reads as not found", func(t *ftt.Test) {
			env.auth.Identity = "user:nobody@example.com"
			_, err := env.srv.GetBuild(env.ctx, &pb.GetBuildRequest{Id: bld.Id})
			st, ok := appstatus.Get(err)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, st.Code(), should.Equal(codes.NotFound))
		})

		t.Run("invalid request", func(t *ftt.Test) {
			_, err := env.srv.GetBuild(env.ctx, &pb.GetBuildRequest{BuildNumber: 1})
			st, ok := appstatus.Get(err)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, st.Code(), should.Equal(codes.InvalidArgument))
		})
	})
}

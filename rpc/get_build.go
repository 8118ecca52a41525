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
	"context"

	"google.golang.org/grpc/codes"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/grpc/appstatus"

	pb "go.chromium.org/luci/buildbucket/proto"

	"go.chromium.org/buildsched/internal/perm"
	"go.chromium.org/buildsched/schedperms"
)

// validateGet validates the given request.
func validateGet(req *pb.GetBuildRequest) error {
	var err error
	switch {
	case req.GetId() != 0:
		if req.Builder != nil || req.BuildNumber != 0 {
			return errors.Reason("id is mutually exclusive with (builder and build_number)").Err()
		}
	case req.GetBuilder() != nil && req.BuildNumber != 0:
		if teeErr(validateBuilderID(req.Builder), &err) != nil {
			return errors.Annotate(err, "builder").Err()
		}
	default:
		return errors.Reason("one of id or (builder and build_number) is required").Err()
	}
	return nil
}

// getBuildIDByBuildNumber resolves a (builder, number) pair to a build id.
func (b *Builds) getBuildIDByBuildNumber(ctx context.Context, bldr *pb.BuilderID, nbr int32) (int64, error) {
	pred := &pb.BuildPredicate{Builder: bldr, IncludeExperimental: true}
	token := ""
	for {
		builds, next, err := b.store.Search(ctx, pred, 1000, token)
		if err != nil {
			return 0, errors.Annotate(err, "error resolving build number %d", nbr).Err()
		}
		for _, bld := range builds {
			if bld.Number == nbr {
				return bld.Id, nil
			}
		}
		if next == "" {
			return 0, perm.NotFoundErr(ctx)
		}
		token = next
	}
}

// GetBuild handles a request to retrieve a build. Implements
// pb.BuildsServer.
func (b *Builds) GetBuild(ctx context.Context, req *pb.GetBuildRequest) (*pb.Build, error) {
	if err := validateGet(req); err != nil {
		return nil, appstatus.BadRequest(err)
	}
	m, err := getFieldMask(req.Fields)
	if err != nil {
		return nil, appstatus.BadRequest(errors.Annotate(err, "fields").Err())
	}
	if req.Id == 0 {
		req.Id, err = b.getBuildIDByBuildNumber(ctx, req.Builder, req.BuildNumber)
		if err != nil {
			return nil, err
		}
	}

	bld, err := b.getBuild(ctx, req.Id)
	if err != nil {
		return nil, err
	}

	// An authorization failure is reported as NotFound: a caller who can't
	// read the build must not learn that it exists.
	if err := b.perm.HasInBuilder(ctx, schedperms.BuildsGet, bld.Builder); err != nil {
		if st, ok := appstatus.Get(err); ok && st.Code() == codes.PermissionDenied {
			return nil, perm.NotFoundErr(ctx)
		}
		return nil, err
	}

	return trimBuild(bld, m)
}

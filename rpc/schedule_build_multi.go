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

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/proto/mask"
	"go.chromium.org/luci/common/sync/parallel"
	"go.chromium.org/luci/grpc/appstatus"
	"go.chromium.org/luci/server/auth"

	pb "go.chromium.org/luci/buildbucket/proto"

	"go.chromium.org/buildsched/internal/config"
	"go.chromium.org/buildsched/internal/metrics"
	"go.chromium.org/buildsched/schedperms"
)

// scheduleItem tracks one schedule request through the multi pass.
//
// Exactly one of build or err is set once the pass completes.
type scheduleItem struct {
	req   *pb.ScheduleBuildRequest
	mask  *mask.Mask
	build *pb.Build
	err   error
}

// scheduleBuildsMulti schedules many builds in one pass.
//
// Items fail independently: a bad request in one slot never affects the
// others, and results align positionally with reqs. All distinct buckets are
// authorized with a single filtering pass.
func (b *Builds) scheduleBuildsMulti(ctx context.Context, reqs []*pb.ScheduleBuildRequest) []*scheduleItem {
	items := make([]*scheduleItem, len(reqs))
	for i, req := range reqs {
		it := &scheduleItem{req: req}
		items[i] = it
		if err := validateSchedule(req); err != nil {
			it.err = appstatus.BadRequest(err)
			continue
		}
		m, err := getFieldMask(req.Fields)
		if err != nil {
			it.err = appstatus.BadRequest(errors.Annotate(err, "fields").Err())
			continue
		}
		it.mask = m
	}

	// Expand templates concurrently. Expansion failures (missing or
	// invisible template build) fail only their own item.
	_ = parallel.WorkPool(16, func(work chan<- func() error) {
		for _, it := range items {
			it := it
			if it.err != nil {
				continue
			}
			work <- func() error {
				it.req, it.err = b.scheduleRequestFromTemplate(ctx, it.req)
				return nil
			}
		}
	})

	// One authorization pass over the distinct buckets.
	buckets := stringset.New(len(items))
	for _, it := range items {
		if it.err == nil {
			buckets.Add(config.FormatBucketID(it.req.Builder.GetProject(), it.req.Builder.GetBucket()))
		}
	}
	allowed, err := b.perm.FilterBucketsByPerm(ctx, schedperms.BuildsAdd, buckets.ToSlice())
	if err != nil {
		for _, it := range items {
			if it.err == nil {
				it.err = errors.Annotate(err, "failed to check bucket permissions").Err()
			}
		}
		return items
	}
	for _, it := range items {
		if it.err != nil {
			continue
		}
		bucketID := config.FormatBucketID(it.req.Builder.GetProject(), it.req.Builder.GetBucket())
		if !allowed.Has(bucketID) {
			it.err = appstatus.Errorf(
				codes.PermissionDenied,
				"%q does not have permission %q in bucket %q",
				auth.CurrentIdentity(ctx), schedperms.BuildsAdd, bucketID)
		}
	}

	// Create the surviving builds.
	var createReqs []*pb.ScheduleBuildRequest
	var pending []*scheduleItem
	for _, it := range items {
		if it.err == nil {
			createReqs = append(createReqs, it.req)
			pending = append(pending, it)
		}
	}
	if len(createReqs) == 0 {
		return items
	}
	for i, res := range b.store.CreateMany(ctx, createReqs) {
		it := pending[i]
		if res.Err != nil {
			it.err = errors.Annotate(res.Err, "failed to create build").Err()
			continue
		}
		metrics.BuildCreated(ctx, res.Build)
		it.build, it.err = trimBuild(res.Build, it.mask)
	}
	return items
}

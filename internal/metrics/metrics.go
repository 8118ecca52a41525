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

// Package metrics reports scheduling activity to tsmon.
//
// Reporting is fire-and-forget: a metric is never allowed to affect the
// outcome of the RPC that emits it.
package metrics

import (
	"context"
	"time"

	"go.chromium.org/luci/common/tsmon/distribution"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/common/tsmon/types"

	pb "go.chromium.org/luci/buildbucket/proto"
)

var (
	buildsCreated = metric.NewCounter(
		"buildsched/builds/created",
		"The number of builds created.",
		nil,
		field.String("project"),
		field.String("bucket"),
		field.String("builder"),
	)
	buildsCanceled = metric.NewCounter(
		"buildsched/builds/canceled",
		"The number of builds canceled.",
		nil,
		field.String("project"),
		field.String("bucket"),
		field.String("builder"),
	)
	batchSubRequests = metric.NewCounter(
		"buildsched/batch/subrequests",
		"The number of batch sub-requests, by type and outcome code.",
		nil,
		field.String("type"),
		field.String("code"),
	)
	rpcDuration = metric.NewCumulativeDistribution(
		"buildsched/rpc/duration",
		"Duration of RPC method calls.",
		&types.MetricMetadata{Units: types.Milliseconds},
		distribution.DefaultBucketer,
		field.String("method"),
		field.String("code"),
	)
)

// BuildCreated increments the created-builds counter.
func BuildCreated(ctx context.Context, b *pb.Build) {
	id := b.GetBuilder()
	buildsCreated.Add(ctx, 1, id.GetProject(), id.GetBucket(), id.GetBuilder())
}

// BuildCanceled increments the canceled-builds counter.
func BuildCanceled(ctx context.Context, b *pb.Build) {
	id := b.GetBuilder()
	buildsCanceled.Add(ctx, 1, id.GetProject(), id.GetBucket(), id.GetBuilder())
}

// BatchSubRequest records the outcome of one sub-request of a Batch call.
func BatchSubRequest(ctx context.Context, typ, code string) {
	batchSubRequests.Add(ctx, 1, typ, code)
}

// RPCDuration records how long one RPC method call took.
func RPCDuration(ctx context.Context, method, code string, dur time.Duration) {
	rpcDuration.Add(ctx, float64(dur.Milliseconds()), method, code)
}

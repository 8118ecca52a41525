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

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/grpc/appstatus"

	pb "go.chromium.org/luci/buildbucket/proto"
	"go.chromium.org/luci/buildbucket/protoutil"

	"go.chromium.org/buildsched/internal/metrics"
	"go.chromium.org/buildsched/schedperms"
)

// validateCancel validates the given request.
func validateCancel(req *pb.CancelBuildRequest) error {
	var err error
	switch {
	case req.GetId() == 0:
		return errors.Reason("id is required").Err()
	case req.GetSummaryMarkdown() == "":
		return errors.Reason("summary_markdown is required").Err()
	case teeErr(validateSummaryMarkdown(req.SummaryMarkdown), &err) != nil:
		return errors.Annotate(err, "summary_markdown").Err()
	default:
		return nil
	}
}

// CancelBuild handles a request to cancel a build. Implements
// pb.BuildsServer.
func (b *Builds) CancelBuild(ctx context.Context, req *pb.CancelBuildRequest) (*pb.Build, error) {
	if err := validateCancel(req); err != nil {
		return nil, appstatus.BadRequest(err)
	}
	m, err := getFieldMask(req.Fields)
	if err != nil {
		return nil, appstatus.BadRequest(errors.Annotate(err, "fields").Err())
	}

	bld, err := b.getBuild(ctx, req.Id)
	if err != nil {
		return nil, err
	}
	if err := b.perm.HasInBuilder(ctx, schedperms.BuildsCancel, bld.Builder); err != nil {
		return nil, err
	}

	// Canceling an ended build is a no-op: return it as it is.
	if protoutil.IsEnded(bld.Status) {
		return trimBuild(bld, m)
	}

	bld, err = b.store.Cancel(ctx, req.Id, req.SummaryMarkdown)
	if err != nil {
		return nil, errors.Annotate(err, "error canceling build %d", req.Id).Err()
	}
	metrics.BuildCanceled(ctx, bld)
	return trimBuild(bld, m)
}

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
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/grpc/appstatus"
	"go.chromium.org/luci/server/auth"

	pb "go.chromium.org/luci/buildbucket/proto"
	"go.chromium.org/luci/buildbucket/protoutil"

	"go.chromium.org/buildsched/internal/perm"
)

// updateBuildStepsMaxBytes is the maximum total serialized size of the steps
// of one build.
const updateBuildStepsMaxBytes = 1000 * 1000

// updatePaths are the paths updatable via UpdateBuild.
var updatePaths = stringset.NewFromSlice(
	"build.output",
	"build.output.gitiles_commit",
	"build.output.properties",
	"build.status",
	"build.status_details",
	"build.steps",
	"build.summary_markdown",
	"build.tags",
)

// statusesAllowedByUpdate are the build statuses UpdateBuild may set. A
// build is canceled via CancelBuild, never via UpdateBuild.
var statusesAllowedByUpdate = map[pb.Status]struct{}{
	pb.Status_STARTED:       {},
	pb.Status_SUCCESS:       {},
	pb.Status_FAILURE:       {},
	pb.Status_INFRA_FAILURE: {},
}

// validateUpdate validates the given request.
func validateUpdate(req *pb.UpdateBuildRequest) error {
	if req.GetBuild().GetId() == 0 {
		return errors.Reason("build.id: required").Err()
	}

	for _, p := range req.GetUpdateMask().GetPaths() {
		if !updatePaths.Has(p) {
			return errors.Reason("unsupported path %q", p).Err()
		}
	}

	var err error
	for _, p := range req.UpdateMask.GetPaths() {
		switch p {
		case "build.status":
			if _, ok := statusesAllowedByUpdate[req.Build.Status]; !ok {
				return errors.Reason("build.status: invalid status %s for UpdateBuild", req.Build.Status).Err()
			}
		case "build.summary_markdown":
			if teeErr(validateSummaryMarkdown(req.Build.SummaryMarkdown), &err) != nil {
				return errors.Annotate(err, "build.summary_markdown").Err()
			}
		case "build.tags":
			if teeErr(validateTags(req.Build.Tags, TagAppend), &err) != nil {
				return errors.Annotate(err, "build.tags").Err()
			}
		case "build.output.gitiles_commit":
			if teeErr(validateCommitWithRef(req.Build.GetOutput().GetGitilesCommit()), &err) != nil {
				return errors.Annotate(err, "build.output.gitiles_commit").Err()
			}
		case "build.steps":
			if teeErr(validateSteps(req.Build.Steps), &err) != nil {
				return errors.Annotate(err, "build.steps").Err()
			}
		}
	}
	return nil
}

// validateSteps validates the steps of a build as a whole: sizes, name
// uniqueness and the parent-before-child ordering of "|"-separated names.
func validateSteps(steps []*pb.Step) error {
	seen := stringset.New(len(steps))
	size := 0
	for i, step := range steps {
		size += proto.Size(step)
		if size > updateBuildStepsMaxBytes {
			return errors.Reason("too big to accept").Err()
		}
		if step.GetName() == "" {
			return errors.Reason("steps[%d]: name: required", i).Err()
		}
		if !seen.Add(step.Name) {
			return errors.Reason("steps[%d]: duplicate: %q", i, step.Name).Err()
		}
		if j := strings.LastIndex(step.Name, "|"); j != -1 {
			if !seen.Has(step.Name[:j]) {
				return errors.Reason("steps[%d]: parent of %q must precede", i, step.Name).Err()
			}
		}
		if err := validateStep(step); err != nil {
			return errors.Annotate(err, "steps[%d]", i).Err()
		}
	}
	return nil
}

// validateStep validates a single step.
func validateStep(step *pb.Step) error {
	switch _, known := pb.Status_name[int32(step.GetStatus())]; {
	case !known, step.GetStatus() == pb.Status_STATUS_UNSPECIFIED:
		return errors.Reason("status: is unspecified or unknown").Err()
	case step.Status == pb.Status_ENDED_MASK:
		return errors.Reason("status: must not be ENDED_MASK").Err()
	}

	// A terminal status and an end time come in pairs.
	if protoutil.IsEnded(step.Status) != (step.EndTime != nil) {
		return errors.Reason("end_time: must have both or neither end_time and a terminal status").Err()
	}

	switch {
	case step.Status == pb.Status_SCHEDULED && step.StartTime != nil:
		return errors.Reason(`start_time: must not be specified for status %q`, step.Status).Err()
	case step.StartTime == nil &&
		(step.Status == pb.Status_STARTED || step.Status == pb.Status_SUCCESS || step.Status == pb.Status_FAILURE):
		return errors.Reason(`start_time: required by status %q`, step.Status).Err()
	}
	if step.StartTime != nil && step.EndTime != nil && step.StartTime.AsTime().After(step.EndTime.AsTime()) {
		return errors.Reason("start_time: is after the end_time").Err()
	}

	logNames := stringset.New(len(step.GetLogs()))
	for i, log := range step.GetLogs() {
		switch {
		case log.GetName() == "":
			return errors.Reason("logs[%d].name: required", i).Err()
		case log.GetUrl() == "":
			return errors.Reason("logs[%d].url: required", i).Err()
		case log.GetViewUrl() == "":
			return errors.Reason("logs[%d].view_url: required", i).Err()
		case !logNames.Add(log.Name):
			return errors.Reason("logs[%d].name: duplicate: %q", i, log.Name).Err()
		}
	}
	return nil
}

// UpdateBuild handles a request to update a build. Implements
// pb.BuildsServer.
func (b *Builds) UpdateBuild(ctx context.Context, req *pb.UpdateBuildRequest) (*pb.Build, error) {
	switch allowed, err := perm.CanUpdateBuild(ctx); {
	case err != nil:
		return nil, errors.Annotate(err, "failed to check membership of the updater group").Err()
	case !allowed:
		return nil, appstatus.Errorf(codes.PermissionDenied, "%q not permitted to update build", auth.CurrentIdentity(ctx))
	}

	if err := validateUpdate(req); err != nil {
		return nil, appstatus.BadRequest(err)
	}
	m, err := getFieldMask(req.Fields)
	if err != nil {
		return nil, appstatus.BadRequest(errors.Annotate(err, "fields").Err())
	}

	bld, err := b.getBuild(ctx, req.Build.Id)
	if err != nil {
		return nil, err
	}
	if protoutil.IsEnded(bld.Status) {
		return nil, appstatus.Errorf(codes.FailedPrecondition, "cannot update an ended build")
	}

	bld, err = b.store.Update(ctx, req.Build, req.GetUpdateMask().GetPaths())
	switch {
	case err != nil:
		return nil, errors.Annotate(err, "error updating build %d", req.Build.Id).Err()
	case bld == nil:
		// The build vanished between the fetch and the write.
		return nil, perm.NotFoundErr(ctx)
	}
	return trimBuild(bld, m)
}

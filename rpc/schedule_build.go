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

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"go.chromium.org/luci/cipd/common"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/grpc/appstatus"

	pb "go.chromium.org/luci/buildbucket/proto"

	"go.chromium.org/buildsched/internal/config"
	"go.chromium.org/buildsched/internal/metrics"
	"go.chromium.org/buildsched/schedperms"
)

const notificationUserDataMaxLength = 4096

// wellKnownExperiments are the experiment names requests may use despite the
// reserved "luci." prefix.
var wellKnownExperiments = stringset.NewFromSlice(
	config.ExperimentCanary,
	config.ExperimentNonProduction,
)

// reservedPropertyPaths may not be set by schedule requests: the service
// itself owns these input property paths.
var reservedPropertyPaths = [][]string{
	{"buildbucket"},
	{"buildername"},
	{"branch"},
	{"repository"},
	{"$recipe_engine/buildbucket"},
	{"$recipe_engine/runtime", "is_luci"},
	{"$recipe_engine/runtime", "is_experimental"},
}

// validateExecutable validates the given executable.
func validateExecutable(exe *pb.Executable) error {
	var err error
	switch {
	case exe.GetCipdPackage() != "":
		return errors.Reason("cipd_package must not be specified").Err()
	case exe.GetCipdVersion() != "" && teeErr(common.ValidateInstanceVersion(exe.CipdVersion), &err) != nil:
		return errors.Annotate(err, "cipd_version").Err()
	default:
		return nil
	}
}

// validateGerritChange validates the given Gerrit change.
func validateGerritChange(ch *pb.GerritChange) error {
	switch {
	case ch.GetHost() == "":
		return errors.Reason("host is required").Err()
	case ch.GetChange() == 0:
		return errors.Reason("change is required").Err()
	case ch.GetPatchset() == 0:
		return errors.Reason("patchset is required").Err()
	default:
		return nil
	}
}

// validateRequestedDimension validates the given requested dimension.
func validateRequestedDimension(dim *pb.RequestedDimension) error {
	var err error
	switch {
	case dim.GetKey() == "":
		return errors.Reason("key must be specified").Err()
	case dim.Key == "caches" || dim.Key == "pool":
		return errors.Reason("key cannot be %q", dim.Key).Err()
	case dim.GetValue() == "":
		return errors.Reason("value must be specified").Err()
	case teeErr(validateDimensionExpiration(dim), &err) != nil:
		return errors.Annotate(err, "expiration").Err()
	default:
		return nil
	}
}

func validateDimensionExpiration(dim *pb.RequestedDimension) error {
	exp := dim.GetExpiration()
	switch {
	case exp == nil:
		return nil
	case exp.GetSeconds() < 0:
		return errors.Reason("seconds must not be negative").Err()
	case exp.GetSeconds()%60 != 0:
		return errors.Reason("seconds must be a multiple of 60").Err()
	case exp.GetNanos() != 0:
		return errors.Reason("nanos must not be specified").Err()
	default:
		return nil
	}
}

func validateRequestedDimensions(dims []*pb.RequestedDimension) error {
	for i, dim := range dims {
		if err := validateRequestedDimension(dim); err != nil {
			return errors.Annotate(err, "[%d]", i).Err()
		}
	}
	return nil
}

// validateProperties validates the given requested input properties.
func validateProperties(p *structpb.Struct) error {
	for k, v := range p.GetFields() {
		if v.GetKind() == nil {
			return errors.Reason("%q: value is not set", k).Err()
		}
	}
	for _, path := range reservedPropertyPaths {
		if propertyPathSet(p, path) {
			return errors.Reason("%q is a reserved property path", strings.Join(path, ".")).Err()
		}
	}
	return nil
}

func propertyPathSet(p *structpb.Struct, path []string) bool {
	for i, key := range path {
		v, ok := p.GetFields()[key]
		if !ok {
			return false
		}
		if i == len(path)-1 {
			return true
		}
		if p = v.GetStructValue(); p == nil {
			return false
		}
	}
	return false
}

func validateExperiments(exps map[string]bool) error {
	for name := range exps {
		if err := config.CheckExperimentName(name, wellKnownExperiments); err != nil {
			return errors.Annotate(err, "%q", name).Err()
		}
	}
	return nil
}

func validateNotificationConfig(n *pb.NotificationConfig) error {
	switch {
	case n.GetPubsubTopic() == "":
		return errors.Reason("pubsub_topic must be specified").Err()
	case len(n.GetUserData()) > notificationUserDataMaxLength:
		return errors.Reason("user_data cannot exceed %d bytes", notificationUserDataMaxLength).Err()
	default:
		return nil
	}
}

// validateSchedule validates the given request.
func validateSchedule(req *pb.ScheduleBuildRequest) error {
	var err error
	switch {
	case strings.Contains(req.GetRequestId(), "/"):
		return errors.Reason("request_id cannot contain '/'").Err()
	case req.GetBuilder() == nil && req.GetTemplateBuildId() == 0:
		return errors.Reason("builder or template_build_id is required").Err()
	case req.Builder != nil && req.TemplateBuildId != 0:
		return errors.Reason("builder and template_build_id are mutually exclusive").Err()
	case req.Builder != nil && teeErr(validateBuilderID(req.Builder), &err) != nil:
		return errors.Annotate(err, "builder").Err()
	case teeErr(validateExecutable(req.Exe), &err) != nil:
		return errors.Annotate(err, "exe").Err()
	case req.GitilesCommit != nil && teeErr(validateCommitWithRef(req.GitilesCommit), &err) != nil:
		return errors.Annotate(err, "gitiles_commit").Err()
	case teeErr(validateTags(req.Tags, TagNew), &err) != nil:
		return errors.Annotate(err, "tags").Err()
	case teeErr(validateRequestedDimensions(req.Dimensions), &err) != nil:
		return errors.Annotate(err, "dimensions").Err()
	case req.Properties != nil && teeErr(validateProperties(req.Properties), &err) != nil:
		return errors.Annotate(err, "properties").Err()
	case req.Priority < 0 || req.Priority > 255:
		return errors.Reason("priority must be in [0, 255]").Err()
	case teeErr(validateExperiments(req.Experiments), &err) != nil:
		return errors.Annotate(err, "experiments").Err()
	case req.Notify != nil && teeErr(validateNotificationConfig(req.Notify), &err) != nil:
		return errors.Annotate(err, "notify").Err()
	}

	for i, ch := range req.GetGerritChanges() {
		if err := validateGerritChange(ch); err != nil {
			return errors.Annotate(err, "gerrit_changes[%d]", i).Err()
		}
	}
	return nil
}

// scheduleRequestFromTemplate returns a request with fields populated by the
// given template_build_id if there is one. Fields set in the request
// override fields populated from the template. Does not modify the incoming
// request.
func (b *Builds) scheduleRequestFromTemplate(ctx context.Context, req *pb.ScheduleBuildRequest) (*pb.ScheduleBuildRequest, error) {
	if req.GetTemplateBuildId() == 0 {
		return req, nil
	}

	bld, err := b.getBuild(ctx, req.TemplateBuildId)
	if err != nil {
		return nil, err
	}
	if err := b.perm.HasInBuilder(ctx, schedperms.BuildsGet, bld.Builder); err != nil {
		return nil, err
	}

	ret := &pb.ScheduleBuildRequest{
		Builder:       bld.Builder,
		Critical:      bld.Critical,
		Dimensions:    bld.GetInfra().GetBuildbucket().GetRequestedDimensions(),
		Exe:           bld.Exe,
		GerritChanges: bld.GetInput().GetGerritChanges(),
		GitilesCommit: bld.GetInput().GetGitilesCommit(),
		Priority:      bld.GetInfra().GetSwarming().GetPriority(),
		Properties:    bld.GetInput().GetProperties(),
		Tags:          bld.Tags,
		Experiments:   make(map[string]bool, len(bld.GetInput().GetExperiments())+2),
	}
	for _, exp := range bld.GetInput().GetExperiments() {
		ret.Experiments[exp] = true
	}
	// The template's canary and experimental bits always have an explicit
	// value in the derived request, enabled or not.
	ret.Experiments[config.ExperimentCanary] = bld.Canary
	ret.Experiments[config.ExperimentNonProduction] = bld.GetInput().GetExperimental()

	// proto.Merge concatenates repeated fields and merges messages. Here the
	// desired behavior is replacement, so clear whatever the request
	// overrides before merging. Experiments are the exception: both maps
	// merge, with the request's entries winning.
	if len(req.Dimensions) > 0 {
		ret.Dimensions = nil
	}
	if req.Exe != nil {
		ret.Exe = nil
	}
	if len(req.GerritChanges) > 0 {
		ret.GerritChanges = nil
	}
	if req.GitilesCommit != nil {
		ret.GitilesCommit = nil
	}
	if req.Properties != nil {
		ret.Properties = nil
	}
	if len(req.Tags) > 0 {
		ret.Tags = nil
	}

	experiments := ret.Experiments
	ret.Experiments = nil
	req = proto.Clone(req).(*pb.ScheduleBuildRequest)
	for name, enabled := range req.Experiments {
		experiments[name] = enabled
	}
	req.Experiments = nil

	proto.Merge(ret, req)
	ret.Experiments = experiments
	ret.TemplateBuildId = 0
	return ret, nil
}

// ScheduleBuild handles a request to schedule a build. Implements
// pb.BuildsServer.
func (b *Builds) ScheduleBuild(ctx context.Context, req *pb.ScheduleBuildRequest) (*pb.Build, error) {
	var err error
	if err = validateSchedule(req); err != nil {
		return nil, appstatus.BadRequest(err)
	}
	m, err := getFieldMask(req.Fields)
	if err != nil {
		return nil, appstatus.BadRequest(errors.Annotate(err, "fields").Err())
	}

	if req, err = b.scheduleRequestFromTemplate(ctx, req); err != nil {
		return nil, err
	}
	if err = b.perm.HasInBucket(ctx, schedperms.BuildsAdd, req.Builder.Project, req.Builder.Bucket); err != nil {
		return nil, err
	}

	bld, err := b.store.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.BuildCreated(ctx, bld)
	return trimBuild(bld, m)
}

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
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/proto/mask"
	"go.chromium.org/luci/grpc/appstatus"

	pb "go.chromium.org/luci/buildbucket/proto"

	"go.chromium.org/buildsched/internal/config"
	"go.chromium.org/buildsched/schedperms"
)

// validateChange validates the given Gerrit change predicate.
func validateChange(ch *pb.GerritChange) error {
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

// validateExperimentFilter validates one entry of the experiments predicate.
//
// Unlike schedule requests, predicates may name any experiment, including
// reserved ones: old builds carry experiments that are no longer well-known.
func validateExperimentFilter(exp string) error {
	switch {
	case len(exp) < 2:
		return errors.Reason("too short (expected [+-]$experiment_name)").Err()
	case exp[0] != '+' && exp[0] != '-':
		return errors.Reason("first character must be + or -").Err()
	default:
		return config.CheckExperimentNameGrammar(exp[1:])
	}
}

// validateOutputGitilesCommit validates the output gitiles commit predicate.
//
// Only three forms are allowed: (host, project, id), (host, project, ref)
// and (host, project, ref, position).
func validateOutputGitilesCommit(cm *pb.GitilesCommit) error {
	switch {
	case cm.GetHost() == "":
		return errors.Reason("host is required").Err()
	case cm.GetProject() == "":
		return errors.Reason("project is required").Err()
	}
	if cm.GetId() != "" {
		switch {
		case cm.GetRef() != "" || cm.GetPosition() != 0:
			return errors.Reason("id is mutually exclusive with (ref and position)").Err()
		case !sha1Regex.MatchString(cm.Id):
			return errors.Reason("id must match %q", sha1Regex).Err()
		}
		return nil
	}
	switch {
	case cm.GetRef() == "":
		return errors.Reason("one of id or ref is required").Err()
	case !strings.HasPrefix(cm.Ref, "refs/"):
		return errors.Reason("ref must match refs/.*").Err()
	}
	return nil
}

// validatePredicate validates the given build predicate.
func validatePredicate(pr *pb.BuildPredicate) error {
	var err error
	switch {
	case pr.GetBuild() != nil && pr.GetCreateTime() != nil:
		return errors.Reason("build is mutually exclusive with create_time").Err()
	case pr.GetBuilder() != nil && teeErr(validatePredicateBuilderID(pr.Builder), &err) != nil:
		return errors.Annotate(err, "builder").Err()
	case teeErr(validateTags(pr.GetTags(), TagNew), &err) != nil:
		return errors.Annotate(err, "tags").Err()
	case pr.GetOutputGitilesCommit() != nil && teeErr(validateOutputGitilesCommit(pr.OutputGitilesCommit), &err) != nil:
		return errors.Annotate(err, "output_gitiles_commit").Err()
	}

	for i, ch := range pr.GetGerritChanges() {
		if err := validateChange(ch); err != nil {
			return errors.Annotate(err, "gerrit_changes[%d]", i).Err()
		}
	}

	filters := map[string]byte{}
	for i, exp := range pr.GetExperiments() {
		if err := validateExperimentFilter(exp); err != nil {
			return errors.Annotate(err, "experiments[%d]", i).Err()
		}
		name := exp[1:]
		if prev, ok := filters[name]; ok && prev != exp[0] {
			return errors.Reason("%q has both inclusive and exclusive filter", name).Err()
		}
		filters[name] = exp[0]
	}
	return nil
}

// validatePredicateBuilderID validates a builder predicate: the project is
// always required, the bucket is required whenever the builder name is
// given.
func validatePredicateBuilderID(id *pb.BuilderID) error {
	var err error
	switch {
	case teeErr(config.ValidateProjectID(id.GetProject()), &err) != nil:
		return errors.Annotate(err, "project").Err()
	case id.GetBucket() == "" && id.GetBuilder() != "":
		return errors.Reason("bucket is required").Err()
	case id.GetBucket() != "" && teeErr(config.ValidateBucketName(id.Bucket), &err) != nil:
		return errors.Annotate(err, "bucket").Err()
	case id.GetBuilder() != "" && teeErr(config.ValidateBuilderName(id.Builder), &err) != nil:
		return errors.Annotate(err, "builder").Err()
	default:
		return nil
	}
}

func validatePageToken(token string) error {
	if token == "" {
		return nil
	}
	if _, err := strconv.Atoi(token); err != nil {
		return errors.Reason("invalid page_token").Err()
	}
	return nil
}

// validateSearch validates the given request.
func validateSearch(req *pb.SearchBuildsRequest) error {
	var err error
	switch {
	case teeErr(validatePageSize(req.GetPageSize()), &err) != nil:
		return err
	case teeErr(validatePageToken(req.GetPageToken()), &err) != nil:
		return err
	case teeErr(validatePredicate(req.GetPredicate()), &err) != nil:
		return errors.Annotate(err, "predicate").Err()
	default:
		return nil
	}
}

// getSearchFieldMask parses the requested fields of a SearchBuildsResponse
// into a mask over individual builds. A nil mask means no trimming.
func getSearchFieldMask(fields *fieldmaskpb.FieldMask) (*mask.Mask, error) {
	if len(fields.GetPaths()) == 0 {
		return defaultBuildMask, nil
	}
	sub := &fieldmaskpb.FieldMask{}
	for _, p := range fields.GetPaths() {
		switch {
		case p == "next_page_token":
		case p == "builds":
			return nil, nil
		case strings.HasPrefix(p, "builds.*."):
			sub.Paths = append(sub.Paths, strings.TrimPrefix(p, "builds.*."))
		default:
			return nil, errors.Reason("invalid fields: unsupported path %q", p).Err()
		}
	}
	if len(sub.Paths) == 0 {
		return defaultBuildMask, nil
	}
	m, err := mask.FromFieldMask(sub, &pb.Build{})
	if err != nil {
		return nil, errors.Annotate(err, "invalid fields").Err()
	}
	return m, nil
}

// SearchBuilds handles a request to search for builds. Implements
// pb.BuildsServer.
func (b *Builds) SearchBuilds(ctx context.Context, req *pb.SearchBuildsRequest) (*pb.SearchBuildsResponse, error) {
	if err := validateSearch(req); err != nil {
		return nil, appstatus.BadRequest(err)
	}
	m, err := getSearchFieldMask(req.GetFields())
	if err != nil {
		return nil, appstatus.BadRequest(errors.Annotate(err, "fields").Err())
	}

	pred := req.GetPredicate()
	permitted := stringset.New(1)
	if bucket := pred.GetBuilder().GetBucket(); bucket != "" {
		// An explicit bucket: the caller either sees it or gets an error
		// explaining why not.
		if err := b.perm.HasInBucket(ctx, schedperms.BuildsList, pred.Builder.Project, bucket); err != nil {
			return nil, err
		}
		permitted.Add(config.FormatBucketID(pred.Builder.Project, bucket))
	} else {
		// A project-wide or global search is silently narrowed to the
		// buckets the caller can list builds in.
		permitted, err = b.perm.BucketsByPerm(ctx, schedperms.BuildsList)
		if err != nil {
			return nil, err
		}
		if len(permitted) == 0 {
			return &pb.SearchBuildsResponse{}, nil
		}
	}

	builds, nextToken, err := b.store.Search(ctx, pred, req.GetPageSize(), req.GetPageToken())
	if err != nil {
		return nil, errors.Annotate(err, "error searching builds").Err()
	}

	res := &pb.SearchBuildsResponse{NextPageToken: nextToken}
	for _, bld := range builds {
		bucketID := config.FormatBucketID(bld.GetBuilder().GetProject(), bld.GetBuilder().GetBucket())
		if !permitted.Has(bucketID) {
			continue
		}
		if m != nil {
			if bld, err = trimBuild(bld, m); err != nil {
				return nil, err
			}
		}
		res.Builds = append(res.Builds, bld)
	}
	return res, nil
}

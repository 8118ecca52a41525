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
	"regexp"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/proto/mask"

	pb "go.chromium.org/luci/buildbucket/proto"

	"go.chromium.org/buildsched/internal/config"
	"go.chromium.org/buildsched/internal/perm"
)

type tagValidationMode int

const (
	TagNew tagValidationMode = iota
	TagAppend
)

const (
	buildSetMaxLength = 1024
	// summaryMarkdownMaxLength is the maximum size of Build.summary_markdown
	// field in bytes.
	summaryMarkdownMaxLength = 4 * 1000
)

var (
	sha1Regex            = regexp.MustCompile(`^[a-f0-9]{40}$`)
	reservedKeys         = stringset.NewFromSlice("build_address")
	disallowedAppendKeys = stringset.NewFromSlice("build_address", "buildset", "builder")
	gitilesCommitRegex   = regexp.MustCompile(`^commit/gitiles/([^/]+)/(.+?)/\+/([a-f0-9]{40})$`)
	gerritCLRegex        = regexp.MustCompile(`^patch/gerrit/([^/]+)/(\d+)/(\d+)$`)
)

// teeErr saves `err` in `keep` and then returns `err`
func teeErr(err error, keep *error) error {
	*keep = err
	return err
}

// defaultBuildMask is the mask to use when a request doesn't specify fields
// explicitly.
var defaultBuildMask = mask.MustFromReadMask(
	&pb.Build{},
	"builder",
	"canary",
	"canceled_by",
	"create_time",
	"created_by",
	"critical",
	"end_time",
	"id",
	"input.experimental",
	"input.gerrit_changes",
	"input.gitiles_commit",
	"number",
	"start_time",
	"status",
	"status_details",
	"update_time",
)

// getFieldMask parses the requested build fields, falling back to the
// default mask when no fields are requested.
func getFieldMask(fields *fieldmaskpb.FieldMask) (*mask.Mask, error) {
	if len(fields.GetPaths()) == 0 {
		return defaultBuildMask, nil
	}
	m, err := mask.FromFieldMask(fields, &pb.Build{})
	if err != nil {
		return nil, errors.Annotate(err, "invalid fields").Err()
	}
	return m, nil
}

// trimBuild returns a copy of the build trimmed down to the mask.
func trimBuild(b *pb.Build, m *mask.Mask) (*pb.Build, error) {
	out := proto.Clone(b).(*pb.Build)
	if err := m.Trim(out); err != nil {
		return nil, errors.Annotate(err, "error trimming build %d", b.GetId()).Err()
	}
	return out, nil
}

// getBuild returns the build with the given ID or NotFound appstatus if it
// is not found.
func (b *Builds) getBuild(ctx context.Context, id int64) (*pb.Build, error) {
	switch bld, err := b.store.Get(ctx, id); {
	case err != nil:
		return nil, errors.Annotate(err, "error fetching build with ID %d", id).Err()
	case bld == nil:
		return nil, perm.NotFoundErr(ctx)
	default:
		return bld, nil
	}
}

func validatePageSize(pageSize int32) error {
	if pageSize < 0 {
		return errors.Reason("page_size cannot be negative").Err()
	}
	return nil
}

// validateTags validates build tags.
//
// tagValidationMode should be one of the enum - TagNew, TagAppend
// Note: Duplicate tags can pass the validation, which will be eventually
// deduplicated when storing into DB.
func validateTags(tags []*pb.StringPair, m tagValidationMode) error {
	if tags == nil {
		return nil
	}
	var k, v string
	var seenBuilderTagValue string
	var seenGitilesCommit string
	for _, tag := range tags {
		k = tag.Key
		v = tag.Value
		if strings.Contains(k, ":") {
			return errors.Reason(`tag key "%s" cannot have a colon`, k).Err()
		}
		if m == TagAppend && disallowedAppendKeys.Has(k) {
			return errors.Reason(`tag key "%s" cannot be added to an existing build`, k).Err()
		}
		if k == "buildset" {
			if err := validateBuildSet(v); err != nil {
				return err
			}
			if gitilesCommitRegex.MatchString(v) {
				if seenGitilesCommit != "" && v != seenGitilesCommit {
					return errors.Reason(`tag "buildset:%s" conflicts with tag "buildset:%s"`, v, seenGitilesCommit).Err()
				}
				seenGitilesCommit = v
			}
		}
		if k == "builder" {
			if seenBuilderTagValue == "" {
				seenBuilderTagValue = v
			} else if v != seenBuilderTagValue {
				return errors.Reason(`tag "builder:%s" conflicts with tag "builder:%s"`, v, seenBuilderTagValue).Err()
			}
		}
		if reservedKeys.Has(k) {
			return errors.Reason(`tag "%s" is reserved`, k).Err()
		}
	}
	return nil
}

func validateBuildSet(bs string) error {
	if len("buildset:")+len(bs) > buildSetMaxLength {
		return errors.Reason("buildset tag is too long").Err()
	}

	// Verify that a buildset with a known prefix is well formed.
	if strings.HasPrefix(bs, "commit/gitiles/") {
		matches := gitilesCommitRegex.FindStringSubmatch(bs)
		if len(matches) == 0 {
			return errors.Reason(`does not match regex "%s"`, gitilesCommitRegex).Err()
		}
		project := matches[2]
		if strings.HasPrefix(project, "a/") {
			return errors.Reason(`gitiles project must not start with "a/"`).Err()
		}
		if strings.HasSuffix(project, ".git") {
			return errors.Reason(`gitiles project must not end with ".git"`).Err()
		}
	} else if strings.HasPrefix(bs, "patch/gerrit/") {
		if !gerritCLRegex.MatchString(bs) {
			return errors.Reason(`does not match regex "%s"`, gerritCLRegex).Err()
		}
	}
	return nil
}

func validateSummaryMarkdown(md string) error {
	if len(md) > summaryMarkdownMaxLength {
		return errors.Reason("too big to accept (%d > %d bytes)", len(md), summaryMarkdownMaxLength).Err()
	}
	return nil
}

// validateCommitWithRef checks if `cm` is a valid commit with a ref.
func validateCommitWithRef(cm *pb.GitilesCommit) error {
	if cm.GetRef() == "" {
		return errors.Reason(`ref is required`).Err()
	}
	return validateCommit(cm)
}

// validateCommit validates the given Gitiles commit.
func validateCommit(cm *pb.GitilesCommit) error {
	if cm.GetHost() == "" {
		return errors.Reason("host is required").Err()
	}
	if cm.GetProject() == "" {
		return errors.Reason("project is required").Err()
	}

	if cm.GetRef() != "" {
		if !strings.HasPrefix(cm.Ref, "refs/") {
			return errors.Reason("ref must match refs/.*").Err()
		}
	} else if cm.Position != 0 {
		return errors.Reason("position requires ref").Err()
	}

	if cm.GetId() != "" && !sha1Regex.MatchString(cm.Id) {
		return errors.Reason("id must match %q", sha1Regex).Err()
	}
	if cm.GetRef() == "" && cm.GetId() == "" {
		return errors.Reason("one of id or ref is required").Err()
	}
	return nil
}

// validateBuilderID validates the given builder ID, requiring all three
// components to be present and well-formed.
func validateBuilderID(id *pb.BuilderID) error {
	var err error
	switch {
	case teeErr(config.ValidateProjectID(id.GetProject()), &err) != nil:
		return errors.Annotate(err, "project").Err()
	case teeErr(config.ValidateBucketName(id.GetBucket()), &err) != nil:
		return errors.Annotate(err, "bucket").Err()
	case teeErr(config.ValidateBucketID(config.FormatBucketID(id.GetProject(), id.GetBucket())), &err) != nil:
		// Catches v1 bucket names like "luci.<project>.<bucket>".
		return errors.Annotate(err, "bucket").Err()
	case teeErr(config.ValidateBuilderName(id.GetBuilder()), &err) != nil:
		return errors.Annotate(err, "builder").Err()
	default:
		return nil
	}
}

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

// Package config provides access to bucket and builder configuration and
// implements its validation.
package config

import (
	"fmt"
	"regexp"
	"strings"

	"go.chromium.org/luci/common/errors"
)

var (
	projectIDRegex  = regexp.MustCompile(`^[a-z0-9\-_]+$`)
	bucketNameRegex = regexp.MustCompile(`^[a-z0-9\-_.]{1,100}$`)
	builderRegex    = regexp.MustCompile(`^[a-zA-Z0-9\-_.\(\) ]{1,128}$`)
)

// ValidateProjectID returns an error if the project ID is invalid.
func ValidateProjectID(project string) error {
	if !projectIDRegex.MatchString(project) {
		return errors.Reason("project must match %q", projectIDRegex).Err()
	}
	return nil
}

// ValidateBucketName returns an error if the bucket name is invalid.
//
// The legacy "luci.<project>.<bucket>" form is not a valid bucket name.
func ValidateBucketName(bucket string) error {
	if !bucketNameRegex.MatchString(bucket) {
		return errors.Reason("bucket must match %q", bucketNameRegex).Err()
	}
	return nil
}

// ValidateBuilderName returns an error if the builder name is invalid.
func ValidateBuilderName(builder string) error {
	if !builderRegex.MatchString(builder) {
		return errors.Reason("builder must match %q", builderRegex).Err()
	}
	return nil
}

// FormatBucketID returns "<project>/<bucket>".
func FormatBucketID(project, bucket string) string {
	return fmt.Sprintf("%s/%s", project, bucket)
}

// ParseBucketID parses a "<project>/<bucket>" string.
//
// Returns an error if the string is not in the two-part form or either part
// fails its grammar.
func ParseBucketID(bucketID string) (project, bucket string, err error) {
	switch parts := strings.Split(bucketID, "/"); {
	case len(parts) != 2:
		return "", "", errors.Reason("invalid bucket id %q: must have exactly one '/'", bucketID).Err()
	default:
		project, bucket = parts[0], parts[1]
	}
	if err := ValidateProjectID(project); err != nil {
		return "", "", errors.Annotate(err, "invalid bucket id %q", bucketID).Err()
	}
	if err := ValidateBucketName(bucket); err != nil {
		return "", "", errors.Annotate(err, "invalid bucket id %q", bucketID).Err()
	}
	return project, bucket, nil
}

// ValidateBucketID returns an error if the bucket ID is malformed or uses the
// legacy v1 "luci.<project>.<bucket>" bucket name.
func ValidateBucketID(bucketID string) error {
	project, bucket, err := ParseBucketID(bucketID)
	if err != nil {
		return err
	}
	if parts := strings.SplitN(bucket, ".", 3); len(parts) == 3 && parts[0] == "luci" && parts[1] == project {
		return errors.Reason(
			"invalid bucket id %q. Did you mean %q?",
			bucketID, FormatBucketID(project, parts[2]),
		).Err()
	}
	return nil
}

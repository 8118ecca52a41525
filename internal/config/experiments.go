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

package config

import (
	"regexp"
	"strings"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
)

// Experiments with a reserved meaning understood by the scheduler itself.
const (
	// ExperimentCanary selects the canary infra software version.
	ExperimentCanary = "luci.buildbucket.canary_software"
	// ExperimentNonProduction marks a build that shouldn't affect prod state.
	ExperimentNonProduction = "luci.non_production"
)

var experimentNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*(?:\.[a-z][a-z0-9_]*)*$`)

// CheckExperimentNameGrammar returns an error if the experiment name does
// not match the experiment name grammar. Reserved names pass: callers that
// accept only well-known reserved names use CheckExperimentName instead.
func CheckExperimentNameGrammar(name string) error {
	if !experimentNameRegex.MatchString(name) {
		return errors.Reason("does not match %q", experimentNameRegex).Err()
	}
	return nil
}

// CheckExperimentName returns an error if the experiment name is invalid or
// uses the reserved "luci." namespace without being well-known.
func CheckExperimentName(name string, wellKnown stringset.Set) error {
	if err := CheckExperimentNameGrammar(name); err != nil {
		return err
	}
	if strings.HasPrefix(name, "luci.") && !wellKnown.Has(name) {
		return errors.Reason(`unknown experiment has reserved prefix "luci."`).Err()
	}
	return nil
}

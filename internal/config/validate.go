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
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/config/validation"

	pb "go.chromium.org/luci/buildbucket/proto"
)

const (
	// maxDimensionExpirationSecs bounds dimension expirations (21 days).
	maxDimensionExpirationSecs = 21 * 24 * 60 * 60
	// maxDimensionExpirations is the task slice budget for expiring
	// dimensions.
	maxDimensionExpirations = 6
	// maxWarmCacheFallbacks is the number of distinct wait_for_warm_cache_secs
	// values allowed per builder. There can only be 8 task slices; one is
	// reserved.
	maxWarmCacheFallbacks = 7
)

var (
	dimensionKeyRegex   = regexp.MustCompile(`^[a-zA-Z_\-]+$`)
	cacheNameRegex      = regexp.MustCompile(`^[a-z0-9_]{1,4096}$`)
	serviceAccountRegex = regexp.MustCompile(`^[0-9a-zA-Z_\-.+%]+@[0-9a-zA-Z_\-.]+$`)
)

// Dimension is one parsed "[expiration_secs:]key:value" dimension string.
type Dimension struct {
	Value          string
	ExpirationSecs int64
}

// ParseDimension parses a dimension string.
//
// A leading integer segment, if present, is the expiration in seconds.
func ParseDimension(dim string) (key string, d Dimension, err error) {
	parts := strings.SplitN(dim, ":", 2)
	if len(parts) != 2 {
		return "", Dimension{}, fmt.Errorf("dimension %q does not have ':'", dim)
	}
	key, d.Value = parts[0], parts[1]
	if secs, convErr := strconv.ParseInt(key, 10, 64); convErr == nil {
		parts = strings.SplitN(d.Value, ":", 2)
		if len(parts) != 2 {
			return "", Dimension{}, fmt.Errorf("dimension %q has expiration_secs but missing value", dim)
		}
		key, d.Value = parts[0], parts[1]
		d.ExpirationSecs = secs
	}
	return key, d, nil
}

// FormatDimension formats a dimension to a string. Opposite of
// ParseDimension.
func FormatDimension(key string, d Dimension) string {
	if d.ExpirationSecs != 0 {
		return fmt.Sprintf("%d:%s:%s", d.ExpirationSecs, key, d.Value)
	}
	return fmt.Sprintf("%s:%s", key, d.Value)
}

// ParseDimensions parses dimension strings into a map keyed by dimension key.
//
// Unparsable strings are skipped; use ValidateDimensions to report them.
func ParseDimensions(dims []string) map[string][]Dimension {
	out := map[string][]Dimension{}
	for _, dim := range dims {
		key, d, err := ParseDimension(dim)
		if err != nil {
			continue
		}
		out[key] = append(out[key], d)
	}
	return out
}

func validateHostname(ctx *validation.Context, hostname string) {
	if hostname == "" {
		ctx.Errorf("unspecified")
	}
	if strings.Contains(hostname, "://") {
		ctx.Errorf(`must not contain "://"`)
	}
}

func validateServiceAccount(ctx *validation.Context, sa string) {
	if sa != "bot" && !serviceAccountRegex.MatchString(sa) {
		ctx.Errorf("value %q does not match %q", sa, serviceAccountRegex)
	}
}

func validateSwarmingTag(ctx *validation.Context, tag string) {
	if !strings.Contains(tag, ":") {
		ctx.Errorf(`does not have ":": %s`, tag)
		return
	}
	if strings.ToLower(strings.SplitN(tag, ":", 2)[0]) == "builder" {
		ctx.Errorf("do not specify builder tag; it is added automatically")
	}
}

// ValidateDimensions validates dimension strings of a builder.
//
// fieldName is used in error paths, e.g. "dimension".
func ValidateDimensions(ctx *validation.Context, fieldName string, dims []string) {
	parsed := map[string]map[Dimension]struct{}{}
	expirations := map[int64]struct{}{}

	for _, dim := range dims {
		ctx.Enter("%s %q", fieldName, dim)

		key, d, err := ParseDimension(dim)
		if err != nil {
			ctx.Errorf("%s", err)
			ctx.Exit()
			continue
		}

		validKey := false
		switch {
		case key == "":
			ctx.Errorf("no key")
		case !dimensionKeyRegex.MatchString(key):
			ctx.Errorf("key %q does not match pattern %q", key, dimensionKeyRegex)
		case key == "caches":
			ctx.Errorf(`dimension key must not be "caches"; caches must be declared via caches field`)
		default:
			validKey = true
		}

		validExpiration := false
		switch {
		case d.ExpirationSecs < 0 || d.ExpirationSecs > maxDimensionExpirationSecs:
			ctx.Errorf("expiration_secs is outside valid range; up to 21 days")
		case d.ExpirationSecs%60 != 0:
			ctx.Errorf("expiration_secs must be a multiple of 60 seconds")
		default:
			expirations[d.ExpirationSecs] = struct{}{}
			validExpiration = true
		}

		if validKey && validExpiration {
			if parsed[key] == nil {
				parsed[key] = map[Dimension]struct{}{}
			}
			parsed[key][d] = struct{}{}
		}
		ctx.Exit()
	}

	if len(expirations) > maxDimensionExpirations {
		ctx.Errorf("at most %d different expiration_secs values can be used", maxDimensionExpirations)
	}

	// An empty value is a tombstone removing the key; it cannot coexist with
	// regular entries for the same key.
	tombstone := Dimension{}
	for key, entries := range parsed {
		if _, ok := entries[tombstone]; !ok || len(entries) == 1 {
			continue
		}
		for d := range entries {
			if d == tombstone {
				continue
			}
			ctx.Enter("%s %q", fieldName, FormatDimension(key, d))
			ctx.Errorf("mutually exclusive with %q", key+":")
			ctx.Exit()
		}
	}
}

func validateRelativePath(ctx *validation.Context, path string) {
	if path == "" {
		ctx.Errorf("required")
	}
	if strings.Contains(path, `\`) {
		ctx.Errorf(`cannot contain \`)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			ctx.Errorf(`cannot contain ".."`)
			break
		}
	}
	if strings.HasPrefix(path, "/") {
		ctx.Errorf(`cannot start with "/"`)
	}
}

func validateCacheEntry(ctx *validation.Context, entry *pb.BuilderConfig_CacheEntry) {
	switch {
	case entry.GetName() == "":
		ctx.Errorf("name: required")
	case !cacheNameRegex.MatchString(entry.Name):
		ctx.Errorf("name: %q does not match %q", entry.Name, cacheNameRegex)
	}

	ctx.Enter("path")
	validateRelativePath(ctx, entry.GetPath())
	ctx.Exit()
}

func validateRecipeProperty(ctx *validation.Context, key string, value any) {
	switch {
	case key == "":
		ctx.Errorf("key not specified")
	case key == "buildbucket":
		ctx.Errorf("reserved property")
	case key == "$recipe_engine/runtime":
		obj, ok := value.(map[string]any)
		if !ok {
			ctx.Errorf("not a JSON object")
			return
		}
		for _, k := range []string{"is_luci", "is_experimental"} {
			if _, ok := obj[k]; ok {
				ctx.Errorf("key %q: reserved key", k)
			}
		}
	}
}

// validateRecipeProperties validates both the "key:value" and JSON-valued
// "key:json" property lists of a recipe, rejecting collisions between them.
func validateRecipeProperties(ctx *validation.Context, properties, propertiesJ []string) {
	seen := stringset.New(len(properties) + len(propertiesJ))

	validate := func(props []string, isJSON bool) {
		for _, p := range props {
			ctx.Enter("%q", p)
			parts := strings.SplitN(p, ":", 2)
			if len(parts) != 2 {
				ctx.Errorf("does not have a colon")
				ctx.Exit()
				continue
			}
			key := parts[0]
			var value any = parts[1]
			if isJSON {
				if err := json.Unmarshal([]byte(parts[1]), &value); err != nil {
					ctx.Errorf("%s", err)
					ctx.Exit()
					continue
				}
			}
			validateRecipeProperty(ctx, key, value)
			if !seen.Add(key) {
				ctx.Errorf("duplicate property")
			}
			ctx.Exit()
		}
	}

	ctx.Enter("properties")
	validate(properties, false)
	ctx.Exit()
	ctx.Enter("properties_j")
	validate(propertiesJ, true)
	ctx.Exit()
}

func validateRecipeCfg(ctx *validation.Context, recipe *pb.BuilderConfig_Recipe, final bool) {
	if final {
		if recipe.GetName() == "" {
			ctx.Errorf("name: unspecified")
		}
		if recipe.GetCipdPackage() == "" {
			ctx.Errorf("cipd_package: unspecified")
		}
	}
	validateRecipeProperties(ctx, recipe.GetProperties(), recipe.GetPropertiesJ())
}

func validateExeCfg(ctx *validation.Context, exe *pb.Executable, final bool) {
	if final && exe.GetCipdPackage() == "" {
		ctx.Errorf("cipd_package: unspecified")
	}
}

func validatePropertiesJSON(ctx *validation.Context, properties string) {
	var decoded any
	if err := json.Unmarshal([]byte(properties), &decoded); err != nil {
		ctx.Errorf("%s", err)
		return
	}
	if _, ok := decoded.(map[string]any); !ok {
		ctx.Errorf("properties is not a dict")
	}
}

// ValidateBuilderCfg validates a builder config.
//
// If final is false, does not validate for completeness: a partial config
// that is still being merged with mixin defaults is acceptable.
func ValidateBuilderCfg(ctx *validation.Context, b *pb.BuilderConfig, wellKnownExperiments stringset.Set, final bool) {
	if final || b.GetName() != "" {
		if err := ValidateBuilderName(b.GetName()); err != nil {
			ctx.Errorf("name: %s", err)
		}
	}

	if final || b.GetSwarmingHost() != "" {
		ctx.Enter("swarming_host")
		validateHostname(ctx, b.GetSwarmingHost())
		ctx.Exit()
	}

	for i, tag := range b.GetSwarmingTags() {
		ctx.Enter("tag #%d", i+1)
		validateSwarmingTag(ctx, tag)
		ctx.Exit()
	}

	ValidateDimensions(ctx, "dimension", b.GetDimensions())

	cacheNames := stringset.New(len(b.GetCaches()))
	cachePaths := stringset.New(len(b.GetCaches()))
	fallbackSecs := map[int32]struct{}{}
	for i, c := range b.GetCaches() {
		ctx.Enter("cache #%d", i+1)
		validateCacheEntry(ctx, c)
		if c.GetName() != "" && !cacheNames.Add(c.Name) {
			ctx.Errorf("duplicate name")
		}
		if c.GetPath() != "" {
			if !cachePaths.Add(c.Path) {
				ctx.Errorf("duplicate path")
			}
			if secs := c.GetWaitForWarmCacheSecs(); secs != 0 {
				ctx.Enter("wait_for_warm_cache_secs")
				switch {
				case secs < 60:
					ctx.Errorf("must be at least 60 seconds")
				case secs%60 != 0:
					ctx.Errorf("must be rounded on 60 seconds")
				}
				ctx.Exit()
				fallbackSecs[secs] = struct{}{}
			}
		}
		ctx.Exit()
	}
	if len(fallbackSecs) > maxWarmCacheFallbacks {
		ctx.Errorf(
			"too many different (%d) wait_for_warm_cache_secs values; max %d",
			len(fallbackSecs), maxWarmCacheFallbacks)
	}

	hasExe := b.GetExe() != nil
	hasRecipe := b.GetRecipe() != nil
	switch {
	case final && hasExe == hasRecipe:
		ctx.Errorf("exactly one of exe or recipe must be specified")
	case hasExe:
		ctx.Enter("exe")
		validateExeCfg(ctx, b.Exe, final)
		ctx.Exit()
	case hasRecipe:
		if b.GetProperties() != "" {
			ctx.Errorf("recipe and properties cannot be set together")
		}
		ctx.Enter("recipe")
		validateRecipeCfg(ctx, b.Recipe, final)
		ctx.Exit()
	}

	if p := b.GetPriority(); p != 0 && (p < 20 || p > 255) {
		ctx.Errorf("priority: must be in [20, 255] range; got %d", p)
	}

	if b.GetProperties() != "" {
		validatePropertiesJSON(ctx, b.Properties)
	}

	if b.GetServiceAccount() != "" {
		ctx.Enter("service_account")
		validateServiceAccount(ctx, b.ServiceAccount)
		ctx.Exit()
	}

	ctx.Enter("experiments")
	expNames := make([]string, 0, len(b.GetExperiments()))
	for name := range b.GetExperiments() {
		expNames = append(expNames, name)
	}
	sort.Strings(expNames)
	for _, name := range expNames {
		ctx.Enter("%q", name)
		if err := CheckExperimentName(name, wellKnownExperiments); err != nil {
			ctx.Errorf("%s", err)
		}
		if pct := b.Experiments[name]; pct < 0 || pct > 100 {
			ctx.Errorf("value must be in [0, 100]")
		}
		ctx.Exit()
	}
	ctx.Exit()
}

// ValidateProjectCfg validates the Swarming section of a project config in
// final mode, pre-validating each builder in non-final mode first so that
// configs broken beyond repair produce their own errors instead of cascading.
func ValidateProjectCfg(ctx *validation.Context, cfg *pb.Swarming, wellKnownExperiments stringset.Set) {
	if cfg.GetTaskTemplateCanaryPercentage().GetValue() > 100 {
		ctx.Errorf("task_template_canary_percentage.value must must be in [0, 100]")
	}

	seen := stringset.New(len(cfg.GetBuilders()))
	for i, b := range cfg.GetBuilders() {
		name := b.GetName()
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
		}
		ctx.Enter("builder %s", name)

		// Pre-validate in non-final mode; do not fully validate configs that
		// are already broken.
		subctx := &validation.Context{Context: ctx.Context}
		ValidateBuilderCfg(subctx, b, wellKnownExperiments, false)
		if subctx.Finalize() != nil {
			ValidateBuilderCfg(ctx, b, wellKnownExperiments, false)
			ctx.Exit()
			continue
		}

		if !seen.Add(b.GetName()) {
			ctx.Errorf("name: duplicate")
		}
		ValidateBuilderCfg(ctx, b, wellKnownExperiments, true)
		ctx.Exit()
	}
}

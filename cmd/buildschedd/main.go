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

// Command buildschedd runs the build scheduling service.
package main

import (
	"crypto/sha256"
	"flag"
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/prototext"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/config/validation"
	"go.chromium.org/luci/grpc/prpc"
	"go.chromium.org/luci/server"
	"go.chromium.org/luci/server/module"

	pb "go.chromium.org/luci/buildbucket/proto"

	"go.chromium.org/buildsched/internal/buildstore"
	"go.chromium.org/buildsched/internal/config"
	"go.chromium.org/buildsched/internal/perm"
	"go.chromium.org/buildsched/rpc"
)

// wellKnownExperiments are reserved experiment names accepted in configs.
var wellKnownExperiments = stringset.NewFromSlice(
	config.ExperimentCanary,
	config.ExperimentNonProduction,
)

func main() {
	modules := []module.Module{}

	project := flag.String(
		"buckets-project",
		"",
		"LUCI project that owns the buckets in -buckets-cfg.",
	)
	bucketsCfg := flag.String(
		"buckets-cfg",
		"",
		"Path to a textproto pb.BuildbucketCfg file with bucket configs to serve.",
	)
	aclMode := flag.String(
		"acl-mode",
		"realms-fallback",
		"Authorization model: one of realms, legacy or realms-fallback.",
	)

	server.Main(nil, modules, func(srv *server.Server) error {
		var policy perm.Policy
		switch *aclMode {
		case "realms":
			policy = perm.PolicyRealmsOnly
		case "legacy":
			policy = perm.PolicyLegacyOnly
		case "realms-fallback":
			policy = perm.PolicyRealmsWithFallback
		default:
			return errors.Reason("-acl-mode: unknown mode %q", *aclMode).Err()
		}

		cfgStore := config.NewMemStore()
		if *bucketsCfg != "" {
			if *project == "" {
				return errors.Reason("-buckets-project is required with -buckets-cfg").Err()
			}
			if err := loadBuckets(srv, cfgStore, *project, *bucketsCfg); err != nil {
				return errors.Annotate(err, "loading %q", *bucketsCfg).Err()
			}
		}

		builds := rpc.NewBuilds(perm.NewEngine(cfgStore, policy), cfgStore, buildstore.NewMemStore())
		pb.RegisterBuildsServer(srv, builds)

		srv.ConfigurePRPC(func(prpcSrv *prpc.Server) {
			// Allow cross-origin calls, e.g. for a UI to search builds.
			prpcSrv.AccessControl = prpc.AllowOriginAll
		})
		return nil
	})
}

// loadBuckets reads, validates and installs bucket configs from a textproto
// file. The config revision is the hash of the file, so editing the file and
// restarting rotates all ACL cache keys.
func loadBuckets(srv *server.Server, store *config.MemStore, project, path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	cfg := &pb.BuildbucketCfg{}
	if err := prototext.Unmarshal(blob, cfg); err != nil {
		return errors.Annotate(err, "parsing pb.BuildbucketCfg").Err()
	}

	rev := fmt.Sprintf("%x", sha256.Sum256(blob))[:16]
	for _, bucket := range cfg.GetBuckets() {
		vctx := &validation.Context{Context: srv.Context}
		vctx.SetFile(path)
		if err := config.ValidateBucketName(bucket.GetName()); err != nil {
			return errors.Annotate(err, "bucket %q", bucket.GetName()).Err()
		}
		if s := bucket.GetSwarming(); s != nil {
			config.ValidateProjectCfg(vctx, s, wellKnownExperiments)
		}
		if err := vctx.Finalize(); err != nil {
			return errors.Annotate(err, "bucket %q", bucket.GetName()).Err()
		}
		store.SetBucket(config.FormatBucketID(project, bucket.GetName()), rev, bucket)
	}
	return nil
}

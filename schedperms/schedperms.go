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

// Package schedperms contains the registered scheduler Realm permissions and
// their mapping to the minimum legacy bucket role each one requires.
package schedperms

import (
	"fmt"

	"go.chromium.org/luci/server/auth/realms"

	pb "go.chromium.org/luci/buildbucket/proto"
)

var (
	// BuildsGet allows to see all information about a build.
	BuildsGet = realms.RegisterPermission("buildbucket.builds.get")
	// BuildsList allows to list and search builds in a bucket.
	BuildsList = realms.RegisterPermission("buildbucket.builds.list")
	// BuildsAdd allows to schedule new builds in a bucket.
	BuildsAdd = realms.RegisterPermission("buildbucket.builds.add")
	// BuildsCancel allows to cancel a build.
	BuildsCancel = realms.RegisterPermission("buildbucket.builds.cancel")
	// BuildsLease allows to lease and control a build via the v1 API.
	// Deprecated, kept for the migration off v1.
	BuildsLease = realms.RegisterPermission("buildbucket.builds.lease")
	// BuildsReset allows to unlease and reset the state of an existing build
	// via the v1 API. Deprecated.
	BuildsReset = realms.RegisterPermission("buildbucket.builds.reset")

	// BuildersList allows to list and search builders (but not builds).
	BuildersList = realms.RegisterPermission("buildbucket.builders.list")
	// BuildersSetNum allows to set the next build number of a builder.
	BuildersSetNum = realms.RegisterPermission("buildbucket.builders.setBuildNumber")

	// BucketsGet allows to see the existence of a bucket. Used only by v1
	// APIs. Deprecated.
	BucketsGet = realms.RegisterPermission("buildbucket.buckets.get")
	// BucketsDeleteBuilds allows to delete all scheduled builds from a bucket.
	BucketsDeleteBuilds = realms.RegisterPermission("buildbucket.buckets.deleteBuilds")
	// BucketsPause allows to pause leasing builds in a bucket via the v1 API.
	// Deprecated.
	BucketsPause = realms.RegisterPermission("buildbucket.buckets.pause")
)

// All is the frozen set of permissions this service checks.
var All = []realms.Permission{
	BuildsGet,
	BuildsList,
	BuildsAdd,
	BuildsCancel,
	BuildsLease,
	BuildsReset,
	BuildersList,
	BuildersSetNum,
	BucketsGet,
	BucketsDeleteBuilds,
	BucketsPause,
}

// minRole maps a permission to the minimum pb.Acl_Role required by the
// legacy role-based ACLs. Roles are ordered: a role implies all permissions
// of lower roles.
var minRole = map[realms.Permission]pb.Acl_Role{
	// Reader.
	BuildsGet:    pb.Acl_READER,
	BuildsList:   pb.Acl_READER,
	BuildersList: pb.Acl_READER,
	BucketsGet:   pb.Acl_READER,

	// Scheduler.
	BuildsAdd:    pb.Acl_SCHEDULER,
	BuildsCancel: pb.Acl_SCHEDULER,

	// Writer.
	BuildsLease:         pb.Acl_WRITER,
	BuildsReset:         pb.Acl_WRITER,
	BuildersSetNum:      pb.Acl_WRITER,
	BucketsDeleteBuilds: pb.Acl_WRITER,
	BucketsPause:        pb.Acl_WRITER,
}

func init() {
	// The table must be total over All, otherwise the legacy ACL check has a
	// hole in it.
	for _, p := range All {
		if _, ok := minRole[p]; !ok {
			panic(fmt.Sprintf("permission %q has no minimum role assigned", p))
		}
	}
	if len(minRole) != len(All) {
		panic("minRole maps a permission not listed in All")
	}
}

// MinRole returns the minimum legacy role required for the permission.
//
// Returns ok == false for permissions not known to this service.
func MinRole(perm realms.Permission) (role pb.Acl_Role, ok bool) {
	role, ok = minRole[perm]
	return
}

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

// Package rpc implements the Builds service: scheduling, fetching,
// searching, canceling and updating builds.
package rpc

import (
	"context"
	"time"

	"github.com/golang/protobuf/proto"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/grpc/appstatus"
	"go.chromium.org/luci/server/auth"

	pb "go.chromium.org/luci/buildbucket/proto"

	"go.chromium.org/buildsched/internal/buildstore"
	"go.chromium.org/buildsched/internal/config"
	"go.chromium.org/buildsched/internal/metrics"
	"go.chromium.org/buildsched/internal/perm"
	"go.chromium.org/buildsched/internal/reqcache"
)

// Builds implements pb.BuildsServer.
type Builds struct {
	perm  *perm.Engine
	cfg   config.Store
	store buildstore.Store
}

var _ pb.BuildsServer = &Builds{}

// NewBuilds returns a decorated Builds implementation ready for
// registration on a pRPC server.
func NewBuilds(permEngine *perm.Engine, cfg config.Store, store buildstore.Store) *pb.DecoratedBuilds {
	return &pb.DecoratedBuilds{
		Service: &Builds{
			perm:  permEngine,
			cfg:   cfg,
			store: store,
		},
		Prelude:  commonPrelude,
		Postlude: commonPostlude,
	}
}

// CreateBuild handles a request to create a build directly. Implements
// pb.BuildsServer. Builds are created via ScheduleBuild here.
func (*Builds) CreateBuild(ctx context.Context, req *pb.CreateBuildRequest) (*pb.Build, error) {
	return nil, appstatus.Errorf(codes.Unimplemented, "CreateBuild is not implemented")
}

// StartBuild handles a request to start a build. Implements pb.BuildsServer.
// The build lifecycle is driven via UpdateBuild here.
func (*Builds) StartBuild(ctx context.Context, req *pb.StartBuildRequest) (*pb.StartBuildResponse, error) {
	return nil, appstatus.Errorf(codes.Unimplemented, "StartBuild is not implemented")
}

// GetBuildStatus handles a request to retrieve the status of a build.
// Implements pb.BuildsServer. Use GetBuild with a status field mask.
func (*Builds) GetBuildStatus(ctx context.Context, req *pb.GetBuildStatusRequest) (*pb.Build, error) {
	return nil, appstatus.Errorf(codes.Unimplemented, "GetBuildStatus is not implemented")
}

// SynthesizeBuild handles a request to synthesize a build proto without
// creating the build. Implements pb.BuildsServer.
func (*Builds) SynthesizeBuild(ctx context.Context, req *pb.SynthesizeBuildRequest) (*pb.Build, error) {
	return nil, appstatus.Errorf(codes.Unimplemented, "SynthesizeBuild is not implemented")
}

// timeKey is the key to a time.Time in the context.
var timeKey = "start time"

// withStartTime returns a new context with the given time.Time set.
func withStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, &timeKey, t)
}

// getStartTime returns the time.Time installed in the current context.
func getStartTime(ctx context.Context) time.Time {
	if t, ok := ctx.Value(&timeKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}

// commonPrelude logs debug information about the request and installs the
// start time and the request-scoped computation cache into the context.
func commonPrelude(ctx context.Context, methodName string, req proto.Message) (context.Context, error) {
	logging.Debugf(ctx, "%q called %q with request %s", auth.CurrentIdentity(ctx), methodName, proto.MarshalTextString(req))
	ctx = withStartTime(ctx, clock.Now(ctx))
	return reqcache.Use(ctx), nil
}

// commonPostlude converts an appstatus error to a gRPC error, logs it and
// reports the method's duration.
func commonPostlude(ctx context.Context, methodName string, rsp proto.Message, err error) error {
	err = appstatus.GRPCifyAndLog(ctx, err)
	if t := getStartTime(ctx); !t.IsZero() {
		metrics.RPCDuration(ctx, methodName, status.Code(err).String(), clock.Now(ctx).Sub(t))
	}
	return err
}

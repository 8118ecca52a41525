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

	"google.golang.org/grpc/codes"
	grpcStatus "google.golang.org/grpc/status"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/sync/parallel"
	"go.chromium.org/luci/grpc/appstatus"

	pb "go.chromium.org/luci/buildbucket/proto"

	"go.chromium.org/buildsched/internal/metrics"
)

const (
	readReqsSizeLimit  = 1000
	writeReqsSizeLimit = 200
)

// Batch handles a batch request. Implements pb.BuildsServer.
func (b *Builds) Batch(ctx context.Context, req *pb.BatchRequest) (*pb.BatchResponse, error) {
	res := &pb.BatchResponse{}
	if len(req.GetRequests()) == 0 {
		return res, nil
	}
	res.Responses = make([]*pb.BatchResponse_Response, len(req.Requests))

	scheduleReqs := 0
	for _, r := range req.Requests {
		if _, ok := r.Request.(*pb.BatchRequest_Request_ScheduleBuild); ok {
			scheduleReqs++
		}
	}

	// validate request count
	if scheduleReqs > writeReqsSizeLimit {
		return nil, appstatus.BadRequest(errors.Reason("the maximum allowed schedule request count in Batch is %d.", writeReqsSizeLimit).Err())
	}
	if len(req.Requests)-scheduleReqs > readReqsSizeLimit {
		return nil, appstatus.BadRequest(errors.Reason("the maximum allowed get+search+cancel request count in Batch is %d.", readReqsSizeLimit).Err())
	}

	// Schedule requests go through a single multi pass so that all their
	// buckets are authorized at once. Everything else is dispatched
	// concurrently, each sub-request with its own status.
	schedule := make([]*pb.ScheduleBuildRequest, 0, scheduleReqs)
	scheduleIdx := make([]int, 0, scheduleReqs)
	for i, r := range req.Requests {
		if sub, ok := r.Request.(*pb.BatchRequest_Request_ScheduleBuild); ok {
			schedule = append(schedule, sub.ScheduleBuild)
			scheduleIdx = append(scheduleIdx, i)
		}
	}

	err := parallel.WorkPool(64, func(c chan<- func() error) {
		c <- func() error {
			for i, it := range b.scheduleBuildsMulti(ctx, schedule) {
				response := &pb.BatchResponse_Response{}
				if it.err != nil {
					logging.Warningf(ctx, "Batch: schedule sub-request failed: %s", it.err)
					response.Response = toBatchResponseError(ctx, it.err)
				} else {
					response.Response = &pb.BatchResponse_Response_ScheduleBuild{ScheduleBuild: it.build}
				}
				recordBatchOutcome(ctx, "schedule_build", it.err)
				res.Responses[scheduleIdx[i]] = response
			}
			return nil
		}

		for i, r := range req.Requests {
			i, r := i, r
			if _, ok := r.Request.(*pb.BatchRequest_Request_ScheduleBuild); ok {
				continue
			}
			c <- func() error {
				response := &pb.BatchResponse_Response{}
				var subName string
				var err error
				switch r.Request.(type) {
				case *pb.BatchRequest_Request_GetBuild:
					subName = "get_build"
					ret, e := b.GetBuild(ctx, r.GetGetBuild())
					response.Response = &pb.BatchResponse_Response_GetBuild{GetBuild: ret}
					err = e
				case *pb.BatchRequest_Request_SearchBuilds:
					subName = "search_builds"
					ret, e := b.SearchBuilds(ctx, r.GetSearchBuilds())
					response.Response = &pb.BatchResponse_Response_SearchBuilds{SearchBuilds: ret}
					err = e
				case *pb.BatchRequest_Request_CancelBuild:
					subName = "cancel_build"
					ret, e := b.CancelBuild(ctx, r.GetCancelBuild())
					response.Response = &pb.BatchResponse_Response_CancelBuild{CancelBuild: ret}
					err = e
				default:
					subName = "unset"
					err = appstatus.BadRequest(errors.Reason("request is not specified").Err())
				}
				if err != nil {
					logging.Warningf(ctx, "Batch: sub-request failed: %s", err)
					response.Response = toBatchResponseError(ctx, err)
				}
				recordBatchOutcome(ctx, subName, err)
				res.Responses[i] = response
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

func recordBatchOutcome(ctx context.Context, subName string, err error) {
	code := codes.OK
	if err != nil {
		code = codes.Internal
		if st, ok := appstatus.Get(err); ok {
			code = st.Code()
		}
	}
	metrics.BatchSubRequest(ctx, subName, code.String())
}

// toBatchResponseError converts an error to BatchResponse_Response_Error type.
func toBatchResponseError(ctx context.Context, err error) *pb.BatchResponse_Response_Error {
	st, ok := appstatus.Get(err)
	if !ok {
		logging.Errorf(ctx, "Non-appstatus error in a batch response: %s", err)
		return &pb.BatchResponse_Response_Error{Error: grpcStatus.New(codes.Internal, "Internal server error").Proto()}
	}
	return &pb.BatchResponse_Response_Error{Error: st.Proto()}
}

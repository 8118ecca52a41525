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

// Package buildstore abstracts persistence of builds.
//
// The scheduling core is storage-agnostic: it validates, authorizes and
// shapes builds, then hands them to a Store. MemStore is the reference
// implementation used in tests and local runs.
package buildstore

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/server/auth"

	pb "go.chromium.org/luci/buildbucket/proto"
	"go.chromium.org/luci/buildbucket/protoutil"

	"go.chromium.org/buildsched/internal/config"
)

// Result is the outcome of creating one build in a batch.
type Result struct {
	Build *pb.Build
	Err   error
}

// Store persists builds.
//
// Implementations must be safe for concurrent use. Lookup misses are
// (nil, nil), not errors: translating absence into a status code is the
// caller's business.
type Store interface {
	// Get returns the build with the given id, or nil if there's no such
	// build.
	Get(ctx context.Context, id int64) (*pb.Build, error)

	// Create persists a single new build from a validated request.
	Create(ctx context.Context, req *pb.ScheduleBuildRequest) (*pb.Build, error)

	// CreateMany persists a batch of new builds, one Result per request, in
	// the request order. An individual failure doesn't fail the rest.
	CreateMany(ctx context.Context, reqs []*pb.ScheduleBuildRequest) []Result

	// Search returns builds matching the predicate, newest first.
	//
	// Returns a page of at most pageSize builds and a token to fetch the
	// next page, or "" if this page was the last one.
	Search(ctx context.Context, pred *pb.BuildPredicate, pageSize int32, pageToken string) ([]*pb.Build, string, error)

	// Cancel marks the build as canceled, recording who and why.
	//
	// A build that has already ended is returned unchanged. Returns nil if
	// there's no such build.
	Cancel(ctx context.Context, id int64, summaryMarkdown string) (*pb.Build, error)

	// Update overwrites the listed fields of the stored build with values
	// from the given one. Returns the updated build, or nil if there's no
	// such build.
	Update(ctx context.Context, build *pb.Build, paths []string) (*pb.Build, error)
}

// MemStore keeps builds in memory.
type MemStore struct {
	mu      sync.Mutex
	builds  map[int64]*pb.Build
	order   []int64          // ids in creation order, newest last
	numbers map[string]int32 // per-builder build numbers
	reqIDs  map[string]int64 // "<identity>/<request_id>" => build id
	nextID  int64
}

// Build ids decrease over time so that the natural ascending order of ids is
// the newest-first order users expect.
const firstBuildID = int64(1) << 50

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		builds:  map[int64]*pb.Build{},
		numbers: map[string]int32{},
		reqIDs:  map[string]int64{},
		nextID:  firstBuildID,
	}
}

// Get is a part of the Store interface.
func (s *MemStore) Get(ctx context.Context, id int64) (*pb.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.builds[id]
	if b == nil {
		return nil, nil
	}
	return proto.Clone(b).(*pb.Build), nil
}

// Create is a part of the Store interface.
func (s *MemStore) Create(ctx context.Context, req *pb.ScheduleBuildRequest) (*pb.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(ctx, req)
}

// CreateMany is a part of the Store interface.
func (s *MemStore) CreateMany(ctx context.Context, reqs []*pb.ScheduleBuildRequest) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Result, len(reqs))
	for i, req := range reqs {
		out[i].Build, out[i].Err = s.createLocked(ctx, req)
	}
	return out
}

func (s *MemStore) createLocked(ctx context.Context, req *pb.ScheduleBuildRequest) (*pb.Build, error) {
	caller := auth.CurrentIdentity(ctx)

	// Retrying clients resend the same request id: hand back the build made
	// by the first attempt instead of making a twin.
	var dedupKey string
	if req.GetRequestId() != "" {
		dedupKey = string(caller) + "/" + req.RequestId
		if id, ok := s.reqIDs[dedupKey]; ok {
			return proto.Clone(s.builds[id]).(*pb.Build), nil
		}
	}

	id := s.nextID
	s.nextID--

	builderID := protoutil.FormatBuilderID(req.GetBuilder())
	s.numbers[builderID]++

	experiments := make([]string, 0, len(req.GetExperiments()))
	for name, enabled := range req.GetExperiments() {
		if enabled {
			experiments = append(experiments, name)
		}
	}
	sort.Strings(experiments)

	tags := make([]*pb.StringPair, len(req.GetTags()))
	for i, tag := range req.GetTags() {
		tags[i] = &pb.StringPair{Key: tag.Key, Value: tag.Value}
	}
	sortTags(tags)

	b := &pb.Build{
		Id:         id,
		Builder:    req.GetBuilder(),
		Number:     s.numbers[builderID],
		CreatedBy:  string(caller),
		CreateTime: timestamppb.New(clock.Now(ctx).UTC()),
		Status:     pb.Status_SCHEDULED,
		Tags:       tags,
		Exe:        req.GetExe(),
		Critical:   req.GetCritical(),
		Canary:     req.GetExperiments()[config.ExperimentCanary],
		Infra: &pb.BuildInfra{
			Buildbucket: &pb.BuildInfra_Buildbucket{
				RequestedDimensions: req.GetDimensions(),
			},
			Swarming: &pb.BuildInfra_Swarming{
				Priority: req.GetPriority(),
			},
		},
		Input: &pb.Build_Input{
			Properties:    req.GetProperties(),
			GitilesCommit: req.GetGitilesCommit(),
			GerritChanges: req.GetGerritChanges(),
			Experimental:  req.GetExperiments()[config.ExperimentNonProduction],
			Experiments:   experiments,
		},
	}

	s.builds[id] = b
	s.order = append(s.order, id)
	if dedupKey != "" {
		s.reqIDs[dedupKey] = id
	}
	return proto.Clone(b).(*pb.Build), nil
}

// Search is a part of the Store interface.
func (s *MemStore) Search(ctx context.Context, pred *pb.BuildPredicate, pageSize int32, pageToken string) ([]*pb.Build, string, error) {
	offset := 0
	if pageToken != "" {
		var err error
		if offset, err = strconv.Atoi(pageToken); err != nil || offset < 0 {
			return nil, "", errors.Reason("invalid page token %q", pageToken).Err()
		}
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*pb.Build
	// Newest first: walk the creation order backwards.
	for i := len(s.order) - 1; i >= 0; i-- {
		b := s.builds[s.order[i]]
		if matches(pred, b) {
			matched = append(matched, b)
		}
	}

	if offset >= len(matched) {
		return nil, "", nil
	}
	matched = matched[offset:]

	nextToken := ""
	if int32(len(matched)) > pageSize {
		matched = matched[:pageSize]
		nextToken = strconv.Itoa(offset + int(pageSize))
	}

	out := make([]*pb.Build, len(matched))
	for i, b := range matched {
		out[i] = proto.Clone(b).(*pb.Build)
	}
	return out, nextToken, nil
}

func matches(pred *pb.BuildPredicate, b *pb.Build) bool {
	if pred == nil {
		return true
	}
	if id := pred.GetBuilder(); id != nil {
		switch {
		case id.GetProject() != b.GetBuilder().GetProject():
			return false
		case id.GetBucket() != "" && id.GetBucket() != b.GetBuilder().GetBucket():
			return false
		case id.GetBuilder() != "" && id.GetBuilder() != b.GetBuilder().GetBuilder():
			return false
		}
	}
	if pred.GetStatus() != pb.Status_STATUS_UNSPECIFIED && pred.GetStatus() != b.GetStatus() {
		return false
	}
	if pred.GetCreatedBy() != "" && pred.GetCreatedBy() != b.GetCreatedBy() {
		return false
	}
	for _, tag := range pred.GetTags() {
		if !hasTag(b, tag) {
			return false
		}
	}
	if r := pred.GetBuild(); r != nil {
		// Build ids decrease over time, so the id range bounds are flipped
		// relative to time.
		if r.GetStartBuildId() != 0 && b.Id > r.StartBuildId {
			return false
		}
		if r.GetEndBuildId() != 0 && b.Id < r.EndBuildId {
			return false
		}
	}
	if r := pred.GetCreateTime(); r != nil {
		created := b.GetCreateTime().AsTime()
		if r.GetStartTime() != nil && created.Before(r.StartTime.AsTime()) {
			return false
		}
		if r.GetEndTime() != nil && !created.Before(r.EndTime.AsTime()) {
			return false
		}
	}
	if !pred.GetIncludeExperimental() && b.GetInput().GetExperimental() {
		return false
	}
	for _, gc := range pred.GetGerritChanges() {
		if !hasGerritChange(b, gc) {
			return false
		}
	}
	return true
}

func hasTag(b *pb.Build, tag *pb.StringPair) bool {
	for _, t := range b.GetTags() {
		if t.Key == tag.Key && t.Value == tag.Value {
			return true
		}
	}
	return false
}

func hasGerritChange(b *pb.Build, gc *pb.GerritChange) bool {
	for _, c := range b.GetInput().GetGerritChanges() {
		if c.GetHost() == gc.GetHost() && c.GetChange() == gc.GetChange() && c.GetPatchset() == gc.GetPatchset() {
			return true
		}
	}
	return false
}

// Cancel is a part of the Store interface.
func (s *MemStore) Cancel(ctx context.Context, id int64, summaryMarkdown string) (*pb.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.builds[id]
	if b == nil {
		return nil, nil
	}
	if !protoutil.IsEnded(b.Status) {
		b.Status = pb.Status_CANCELED
		b.SummaryMarkdown = summaryMarkdown
		b.CanceledBy = string(auth.CurrentIdentity(ctx))
		now := timestamppb.New(clock.Now(ctx).UTC())
		b.EndTime = now
		b.UpdateTime = now
	}
	return proto.Clone(b).(*pb.Build), nil
}

// Update is a part of the Store interface.
func (s *MemStore) Update(ctx context.Context, build *pb.Build, paths []string) (*pb.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.builds[build.GetId()]
	if b == nil {
		return nil, nil
	}

	now := timestamppb.New(clock.Now(ctx).UTC())
	for _, path := range paths {
		switch path {
		case "build.status":
			b.Status = build.Status
			if protoutil.IsEnded(b.Status) && b.EndTime == nil {
				b.EndTime = now
			}
			if b.Status == pb.Status_STARTED && b.StartTime == nil {
				b.StartTime = now
			}
		case "build.status_details":
			b.StatusDetails = build.StatusDetails
		case "build.summary_markdown":
			b.SummaryMarkdown = build.SummaryMarkdown
		case "build.steps":
			b.Steps = build.Steps
		case "build.tags":
			b.Tags = mergeTags(b.Tags, build.Tags)
		case "build.output":
			b.Output = build.Output
		case "build.output.properties":
			if b.Output == nil {
				b.Output = &pb.Build_Output{}
			}
			b.Output.Properties = build.GetOutput().GetProperties()
		case "build.output.gitiles_commit":
			if b.Output == nil {
				b.Output = &pb.Build_Output{}
			}
			b.Output.GitilesCommit = build.GetOutput().GetGitilesCommit()
		default:
			return nil, errors.Reason("unsupported update path %q", path).Err()
		}
	}
	b.UpdateTime = now

	return proto.Clone(b).(*pb.Build), nil
}

// Tags are append-only: an update may add tags but never remove them.
func mergeTags(existing, added []*pb.StringPair) []*pb.StringPair {
	out := append([]*pb.StringPair(nil), existing...)
	for _, tag := range added {
		if !tagIn(out, tag) {
			out = append(out, &pb.StringPair{Key: tag.Key, Value: tag.Value})
		}
	}
	sortTags(out)
	return out
}

func tagIn(tags []*pb.StringPair, tag *pb.StringPair) bool {
	for _, t := range tags {
		if t.Key == tag.Key && t.Value == tag.Value {
			return true
		}
	}
	return false
}

func sortTags(tags []*pb.StringPair) {
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Key != tags[j].Key {
			return tags[i].Key < tags[j].Key
		}
		return tags[i].Value < tags[j].Value
	})
}

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
	"context"
	"sort"
	"sync"

	"google.golang.org/protobuf/proto"

	pb "go.chromium.org/luci/buildbucket/proto"
)

// Store provides read access to bucket and builder configuration.
//
// Configuration is ingested and mutated elsewhere; this service only reads
// it. Implementations must be safe for concurrent use.
type Store interface {
	// GetBucket returns the config of the bucket and the revision it was
	// ingested at.
	//
	// Returns ("", nil, nil) if the bucket is not known. bucketID must be in
	// the "<project>/<bucket>" form.
	GetBucket(ctx context.Context, bucketID string) (rev string, cfg *pb.Bucket, err error)

	// AllBucketIDs returns IDs of all known buckets, sorted.
	AllBucketIDs(ctx context.Context) ([]string, error)

	// GetBuilders returns builder configs of the bucket.
	//
	// Returns nil if the bucket is not known or has no builders.
	GetBuilders(ctx context.Context, bucketID string) ([]*pb.BuilderConfig, error)
}

// MemStore is an in-memory Store for tests and local runs.
type MemStore struct {
	mu      sync.RWMutex
	rev     map[string]string
	buckets map[string]*pb.Bucket
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		rev:     map[string]string{},
		buckets: map[string]*pb.Bucket{},
	}
}

// SetBucket puts or replaces a bucket config at the given revision.
func (s *MemStore) SetBucket(bucketID, rev string, cfg *pb.Bucket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rev[bucketID] = rev
	s.buckets[bucketID] = proto.Clone(cfg).(*pb.Bucket)
}

// DeleteBucket removes a bucket config.
func (s *MemStore) DeleteBucket(bucketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rev, bucketID)
	delete(s.buckets, bucketID)
}

// GetBucket is a part of the Store interface.
func (s *MemStore) GetBucket(ctx context.Context, bucketID string) (string, *pb.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.buckets[bucketID]
	if !ok {
		return "", nil, nil
	}
	return s.rev[bucketID], proto.Clone(cfg).(*pb.Bucket), nil
}

// AllBucketIDs is a part of the Store interface.
func (s *MemStore) AllBucketIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.buckets))
	for id := range s.buckets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetBuilders is a part of the Store interface.
func (s *MemStore) GetBuilders(ctx context.Context, bucketID string) ([]*pb.BuilderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.buckets[bucketID]
	if !ok {
		return nil, nil
	}
	var out []*pb.BuilderConfig
	for _, b := range cfg.GetSwarming().GetBuilders() {
		out = append(out, proto.Clone(b).(*pb.BuilderConfig))
	}
	return out, nil
}

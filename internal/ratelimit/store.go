package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is the stored state of one fixed window.
type Bucket struct {
	Used    int
	ResetAt time.Time
}

// Store keeps buckets keyed by user and kind. Take must be atomic: it either
// consumes one point and reports allowed, or consumes nothing.
type Store interface {
	Take(ctx context.Context, key string, quota Quota, now time.Time) (Bucket, bool, error)
	Peek(ctx context.Context, key string, now time.Time) (Bucket, bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// MemoryStore keeps buckets in process memory. Expired buckets are dropped
// lazily when touched and in bulk once the map grows past sweepThreshold.
type MemoryStore struct {
	mu             sync.Mutex
	buckets        map[string]Bucket
	sweepThreshold int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]Bucket), sweepThreshold: 1024}
}

func (s *MemoryStore) Take(_ context.Context, key string, quota Quota, now time.Time) (Bucket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buckets) >= s.sweepThreshold {
		s.sweepLocked(now)
	}
	bucket, ok := s.buckets[key]
	if !ok || !now.Before(bucket.ResetAt) {
		bucket = Bucket{ResetAt: now.Add(quota.Window)}
	}
	if bucket.Used >= quota.Points {
		s.buckets[key] = bucket
		return bucket, false, nil
	}
	bucket.Used++
	s.buckets[key] = bucket
	return bucket, true, nil
}

func (s *MemoryStore) Peek(_ context.Context, key string, now time.Time) (Bucket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[key]
	if !ok {
		return Bucket{}, false, nil
	}
	if !now.Before(bucket.ResetAt) {
		delete(s.buckets, key)
		return Bucket{}, false, nil
	}
	return bucket, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.buckets, key)
	}
	return nil
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for key, bucket := range s.buckets {
		if !now.Before(bucket.ResetAt) {
			delete(s.buckets, key)
		}
	}
	if len(s.buckets) >= s.sweepThreshold {
		s.sweepThreshold *= 2
	}
}

package opt

import (
	"context"
	"sync"
)

// RunMetrics are the search metrics of one solver call.
type RunMetrics struct {
	ProblemID string
	Services  int
	Vehicles  int
	Metrics
}

// MetricsStore keeps search metrics per job. A divide-and-conquer job
// records one entry per solver call.
type MetricsStore struct {
	mu    sync.Mutex
	store map[string][]RunMetrics
}

func NewMetricsStore() *MetricsStore {
	return &MetricsStore{store: map[string][]RunMetrics{}}
}

func (s *MetricsStore) Record(jobID string, m RunMetrics) {
	s.mu.Lock()
	s.store[jobID] = append(s.store[jobID], m)
	s.mu.Unlock()
}

func (s *MetricsStore) Get(jobID string) []RunMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RunMetrics(nil), s.store[jobID]...)
}

func (s *MetricsStore) Forget(jobID string) {
	s.mu.Lock()
	delete(s.store, jobID)
	s.mu.Unlock()
}

type jobKey struct{}

// WithJob tags a context with the job a solve belongs to.
func WithJob(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobKey{}, jobID)
}

// JobFrom returns the job id carried by ctx, if any.
func JobFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(jobKey{}).(string)
	return id, ok && id != ""
}

package recorder

import "context"

// NoopRecorder is a no-op implementation used when history is not configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordTask(_ context.Context, _ *TaskRun) error { return nil }
func (n *NoopRecorder) Recent(_ context.Context, _ string, _ int) ([]TaskRun, error) {
	return []TaskRun{}, nil
}
func (n *NoopRecorder) Close() error { return nil }

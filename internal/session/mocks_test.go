package session

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/audiolibrelab/voicecapture/internal/merge"
)

// MockDevice mocks CaptureDevice.
type MockDevice struct {
	mock.Mock
}

func (m *MockDevice) Open(path string) error {
	args := m.Called(path)
	return args.Error(0)
}

func (m *MockDevice) Start() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDevice) Pause() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDevice) Resume() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDevice) Stop() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDevice) CanPause() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockDevice) IsAvailable() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockDevice) Busy() bool {
	args := m.Called()
	return args.Bool(0)
}

// MockPermissions mocks PermissionOracle.
type MockPermissions struct {
	mock.Mock
}

func (m *MockPermissions) Granted() (bool, error) {
	args := m.Called()
	return args.Bool(0), args.Error(1)
}

func (m *MockPermissions) Request() (bool, error) {
	args := m.Called()
	return args.Bool(0), args.Error(1)
}

// MockProber mocks DurationProber.
type MockProber struct {
	mock.Mock
}

func (m *MockProber) Duration(ctx context.Context, path string) (time.Duration, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(time.Duration), args.Error(1)
}

// MockMerger mocks Merger.
type MockMerger struct {
	mock.Mock
}

func (m *MockMerger) Merge(ctx context.Context, originalPath string, segmentPaths []string) (*merge.Outcome, error) {
	args := m.Called(ctx, originalPath, segmentPaths)
	var outcome *merge.Outcome
	if v := args.Get(0); v != nil {
		outcome = v.(*merge.Outcome)
	}
	return outcome, args.Error(1)
}

// MockStore mocks SegmentStore for error-injection tests. Lifecycle tests
// use a real file-backed store instead.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Append(key, segmentPath string) error {
	args := m.Called(key, segmentPath)
	return args.Error(0)
}

func (m *MockStore) Load(key string) ([]string, error) {
	args := m.Called(key)
	var segs []string
	if v := args.Get(0); v != nil {
		segs = v.([]string)
	}
	return segs, args.Error(1)
}

func (m *MockStore) Clear(key string) error {
	args := m.Called(key)
	return args.Error(0)
}

func (m *MockStore) Has(key string) (bool, error) {
	args := m.Called(key)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) LockKey(ctx context.Context, key string) (func(), error) {
	args := m.Called(ctx, key)
	var unlock func()
	if v := args.Get(0); v != nil {
		unlock = v.(func())
	}
	return unlock, args.Error(1)
}

// fakeTimer satisfies Timer for the fake scheduler below.
type fakeTimer struct {
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.stopped
	t.stopped = true
	return active
}

type scheduledCall struct {
	delay time.Duration
	fn    func()
	timer *fakeTimer
}

// fakeScheduler records AfterFunc calls so tests control when and whether
// scheduled work runs.
type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduledCall
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &fakeTimer{}
	s.calls = append(s.calls, scheduledCall{delay: d, fn: f, timer: timer})
	return timer
}

// fire runs the i-th scheduled callback. The scheduler lock is not held
// while the callback runs, so callbacks may schedule more work.
func (s *fakeScheduler) fire(i int) {
	s.mu.Lock()
	fn := s.calls[i].fn
	s.mu.Unlock()
	fn()
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.delay
	}
	return out
}

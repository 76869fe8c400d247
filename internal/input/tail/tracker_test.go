package inputtail

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MuchTitan/go-log-shipper/internal"
	"github.com/MuchTitan/go-log-shipper/internal/diag"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRepository implements Repository for testing
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CreateTables() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRepository) GetFileState(path string, id internal.FileIdentity) (*FileState, error) {
	args := m.Called(path, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*FileState), args.Error(1)
}

func (m *MockRepository) BatchUpsertFileStates(states []FileState) error {
	args := m.Called(states)
	return args.Error(0)
}

func (m *MockRepository) CleanupOldEntries(threshold int) (int64, error) {
	args := m.Called(threshold)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}

type recordingTracer struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingTracer) Trace(event string, _ logrus.Fields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingTracer) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
}

func TestTrackerResolve(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		prior      *int64
		wantOffset int64
		wantSkip   bool
		wantEvent  string
	}{
		{name: "new file", content: "abc\n", wantOffset: 0},
		{name: "grown file", content: "abc\ndef\n", prior: ptr(4), wantOffset: 4},
		{name: "no new data", content: "abc\n", prior: ptr(4), wantOffset: 4, wantSkip: true, wantEvent: diag.EventSkipNoData},
		{name: "shrunk file", content: "ab\n", prior: ptr(10), wantOffset: 0, wantEvent: diag.EventSizeShrink},
		{name: "empty new file", content: "", wantOffset: 0, wantSkip: true, wantEvent: diag.EventSkipNoData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			writeFile(t, fs, "/in/a.log", tt.content)
			tracer := &recordingTracer{}
			tracker := NewTracker(fs, nil, 3, tracer)
			if tt.prior != nil {
				tracker.Commit("/in/a.log", internal.FileIdentity{}, *tt.prior)
			}

			res, err := tracker.Resolve("/in/a.log")
			require.NoError(t, err)
			assert.Equal(t, tt.wantOffset, res.Offset)
			assert.Equal(t, tt.wantSkip, res.Skip)
			assert.Equal(t, int64(len(tt.content)), res.Size)
			if tt.wantEvent != "" {
				assert.Contains(t, tracer.Events(), tt.wantEvent)
			}
		})
	}
}

func ptr(v int64) *int64 { return &v }

func TestTrackerResolveStatFailure(t *testing.T) {
	tracer := &recordingTracer{}
	tracker := NewTracker(afero.NewMemMapFs(), nil, 3, tracer)

	_, err := tracker.Resolve("/in/missing.log")
	assert.Error(t, err)
	assert.Equal(t, []string{diag.EventStatFailed}, tracer.Events())
	_, ok := tracker.State("/in/missing.log")
	assert.False(t, ok)
}

func TestTrackerSkipRecordsIdentity(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/in/a.log", "")
	tracker := NewTracker(fs, nil, 3, nil)

	res, err := tracker.Resolve("/in/a.log")
	require.NoError(t, err)
	assert.True(t, res.Skip)

	st, ok := tracker.State("/in/a.log")
	require.True(t, ok)
	assert.Equal(t, int64(0), st.Offset)
}

func TestTrackerCommitThenResolve(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/in/a.log", "one\n")
	tracker := NewTracker(fs, nil, 3, nil)

	res, err := tracker.Resolve("/in/a.log")
	require.NoError(t, err)
	tracker.Commit("/in/a.log", res.Identity, 4)

	res, err = tracker.Resolve("/in/a.log")
	require.NoError(t, err)
	assert.True(t, res.Skip)

	writeFile(t, fs, "/in/a.log", "one\ntwo\n")
	res, err = tracker.Resolve("/in/a.log")
	require.NoError(t, err)
	assert.False(t, res.Skip)
	assert.Equal(t, int64(4), res.Offset)
}

func TestTrackerLoadsPersistedState(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/in/a.log", "one\ntwo\n")

	mockRepo := new(MockRepository)
	mockRepo.On("GetFileState", "/in/a.log", internal.FileIdentity{}).
		Return(&FileState{Path: "/in/a.log", Offset: 4}, nil).Once()

	tracker := NewTracker(fs, mockRepo, 3, nil)
	res, err := tracker.Resolve("/in/a.log")
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Offset)

	// second lookup is served from memory
	_, err = tracker.Resolve("/in/a.log")
	require.NoError(t, err)
	mockRepo.AssertExpectations(t)
}

func TestTrackerIgnoresRepositoryErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/in/a.log", "one\n")

	mockRepo := new(MockRepository)
	mockRepo.On("GetFileState", mock.Anything, mock.Anything).Return(nil, errors.New("db gone"))

	tracker := NewTracker(fs, mockRepo, 3, nil)
	res, err := tracker.Resolve("/in/a.log")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Offset)
}

func TestTrackerRunPersistsCommits(t *testing.T) {
	mockRepo := new(MockRepository)
	persisted := make(chan []FileState, 4)
	mockRepo.On("BatchUpsertFileStates", mock.Anything).Run(func(args mock.Arguments) {
		persisted <- args.Get(0).([]FileState)
	}).Return(nil)

	tracker := NewTracker(afero.NewMemMapFs(), mockRepo, 3, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		tracker.Run(ctx)
		close(done)
	}()

	tracker.Commit("test1.log", internal.FileIdentity{Inode: 1}, 100)
	tracker.Commit("test2.log", internal.FileIdentity{Inode: 2}, 200)

	var states []FileState
	timeout := time.After(5 * time.Second)
	for len(states) < 2 {
		select {
		case batch := <-persisted:
			states = append(states, batch...)
		case <-timeout:
			t.Fatal("timeout waiting for persisted states")
		}
	}
	assert.Equal(t, "test1.log", states[0].Path)
	assert.Equal(t, int64(200), states[1].Offset)

	cancel()
	<-done
}

func TestTrackerCloseFlushesAndCleansUp(t *testing.T) {
	mockRepo := new(MockRepository)
	mockRepo.On("BatchUpsertFileStates", mock.MatchedBy(func(states []FileState) bool {
		return len(states) == 1 && states[0].Offset == 42
	})).Return(nil).Once()
	mockRepo.On("CleanupOldEntries", 7).Return(int64(2), nil).Once()
	mockRepo.On("Close").Return(nil).Once()

	tracker := NewTracker(afero.NewMemMapFs(), mockRepo, 7, nil)
	tracker.Commit("a.log", internal.FileIdentity{Inode: 9}, 42)

	require.NoError(t, tracker.Close())
	mockRepo.AssertExpectations(t)
}

func TestTrackerPersistRequeuesOnFailure(t *testing.T) {
	mockRepo := new(MockRepository)
	mockRepo.On("BatchUpsertFileStates", mock.Anything).Return(errors.New("locked")).Once()
	mockRepo.On("BatchUpsertFileStates", mock.MatchedBy(func(states []FileState) bool {
		return len(states) == 2
	})).Return(nil).Once()

	tracker := NewTracker(afero.NewMemMapFs(), mockRepo, 3, nil)
	tracker.Commit("a.log", internal.FileIdentity{}, 1)
	assert.Error(t, tracker.persist())

	tracker.Commit("b.log", internal.FileIdentity{}, 2)
	assert.NoError(t, tracker.persist())
	mockRepo.AssertExpectations(t)
}

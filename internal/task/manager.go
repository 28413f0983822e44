package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Manager owns the task registry and runs generation tasks on a bounded pool.
type Manager struct {
	mu            sync.RWMutex
	registry      *Registry
	generator     PageGenerator
	thumbnailer   Thumbnailer
	store         ArtifactStore
	streamTimeout time.Duration
	semaphore     chan struct{}
	workersWG     sync.WaitGroup
	baseCtx       context.Context
}

// NewManager creates a manager with default options suitable for tests
func NewManager(gen PageGenerator) *Manager {
	return NewManagerWithOptions(Options{
		DataDir:            "history",
		MaxConcurrentTasks: defaultMaxConcurrent,
		Generator:          gen,
	})
}

// NewManagerWithOptions creates a manager with provided configuration
func NewManagerWithOptions(opts Options) *Manager {
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = defaultMaxConcurrent
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = defaultStreamTimeout
	}
	store := opts.Store
	if store == nil {
		store = NewFileStore(opts.DataDir)
	}
	return &Manager{
		registry:      NewRegistry(),
		generator:     opts.Generator,
		thumbnailer:   opts.Thumbnailer,
		store:         store,
		streamTimeout: opts.StreamTimeout,
		semaphore:     make(chan struct{}, opts.MaxConcurrentTasks),
		baseCtx:       context.Background(),
	}
}

// IsBusy reports whether every run slot is taken.
func (m *Manager) IsBusy() bool {
	return len(m.semaphore) >= cap(m.semaphore)
}

// Store exposes the artifact store so callers can resolve artifact paths.
func (m *Manager) Store() ArtifactStore { //nolint:ireturn
	return m.store
}

// StartTask validates the pages, registers an empty state and returns the
// event stream right away. The run itself starts once a pool slot is free.
func (m *Manager) StartTask(req StartRequest) (string, *Stream, error) {
	if m.pageGenerator() == nil {
		return "", nil, ErrNoGenerator
	}
	pages, err := normalizePages(req.Pages)
	if err != nil {
		return "", nil, err
	}
	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if !validPathElem(taskID) {
		return "", nil, errInvalidTaskRef
	}

	state, err := m.registry.Create(taskID)
	if err != nil {
		return "", nil, err
	}
	state.setContext(req.Topic, req.Outline)

	stream := newStream(streamBufferFor(pages), m.streamTimeout)
	run := &taskRun{
		manager:    m,
		state:      state,
		stream:     stream,
		pages:      pages,
		topic:      req.Topic,
		outline:    req.Outline,
		references: req.ReferenceImages,
	}

	m.workersWG.Add(1)
	go func() {
		defer m.workersWG.Done()
		m.runWithSlot(run)
	}()

	log.Info().Str("task_id", taskID).Int("pages", len(pages)).Msg("task started")
	return taskID, stream, nil
}

// GetTaskState returns a read-only view of a live task.
func (m *Manager) GetTaskState(taskID string) (Snapshot, error) {
	state, ok := m.registry.Get(taskID)
	if !ok {
		return Snapshot{}, ErrTaskNotFound
	}
	return state.Snapshot(), nil
}

// CleanupTask drops the task state. Stored artifacts are left in place.
func (m *Manager) CleanupTask(taskID string) {
	m.registry.Remove(taskID)
	log.Info().Str("task_id", taskID).Msg("task state removed")
}

// SetBaseContext sets the base context used to control long-running generation.
// Intended to be set at process startup and cancelled during shutdown.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

func (m *Manager) baseContext() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.baseCtx == nil {
		return context.Background()
	}
	return m.baseCtx
}

// WaitAll blocks until all in-flight task runs finish or the context is done.
// Returns true if all runs finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// UseGenerator allows tests to inject a fake page generator.
// Not safe for concurrent mutation with running tasks; intended for test setup only.
func (m *Manager) UseGenerator(gen PageGenerator) {
	m.mu.Lock()
	m.generator = gen
	m.mu.Unlock()
}

func (m *Manager) pageGenerator() PageGenerator { //nolint:ireturn
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generator
}

// normalizePages copies the pages sorted by index and rejects duplicates,
// negative indices and unknown kinds.
func normalizePages(in []PageSpec) ([]PageSpec, error) {
	if len(in) == 0 {
		return nil, ErrNoPages
	}
	pages := make([]PageSpec, len(in))
	copy(pages, in)
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].Index < pages[j].Index })

	for i, p := range pages {
		if p.Index < 0 {
			return nil, newErrInvalidPage(p.Index, "negative index")
		}
		if !p.Kind.Valid() {
			return nil, newErrInvalidPage(p.Index, "unknown kind "+string(p.Kind))
		}
		if i > 0 && pages[i-1].Index == p.Index {
			return nil, newErrInvalidPage(p.Index, "duplicate index")
		}
	}
	return pages, nil
}

// streamBufferFor sizes the stream so that a full run never drops an event:
// at most one batch announcement, one progress and one outcome per page, plus
// the terminal event.
func streamBufferFor(pages []PageSpec) int {
	return 3*len(pages) + 1
}

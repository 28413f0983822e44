package task

import (
	"sort"
	"sync"
	"time"
)

// indexMap is a last-write-wins map keyed by page index with its own lock.
type indexMap struct {
	mu sync.RWMutex
	m  map[int]string
}

func newIndexMap() *indexMap {
	return &indexMap{m: make(map[int]string)}
}

func (p *indexMap) get(index int) (string, bool) {
	p.mu.RLock()
	v, ok := p.m[index]
	p.mu.RUnlock()
	return v, ok
}

func (p *indexMap) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.m)
}

// copyLocked expects the caller to hold p.mu.
func (p *indexMap) copyLocked() (map[int]string, []int) {
	out := make(map[int]string, len(p.m))
	keys := make([]int, 0, len(p.m))
	for k, v := range p.m {
		out[k] = v
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return out, keys
}

// State is the authoritative record of one task's per-page outcomes.
// The main run and any number of retries mutate it concurrently.
//
// generated and failed are locked independently. Moving an index from one to
// the other takes both locks, always generated first, so an index is never
// observed in both maps.
type State struct {
	ID        string
	CreatedAt time.Time

	generated *indexMap
	failed    *indexMap

	mu         sync.RWMutex
	status     Status
	coverRef   string
	coverImage []byte
	topic      string
	outline    string
}

func newState(id string) *State {
	return &State{
		ID:        id,
		CreatedAt: time.Now(),
		generated: newIndexMap(),
		failed:    newIndexMap(),
		status:    StatusCreated,
	}
}

func (s *State) recordSuccess(index int, ref string) {
	s.generated.mu.Lock()
	s.failed.mu.Lock()
	s.generated.m[index] = ref
	delete(s.failed.m, index)
	s.failed.mu.Unlock()
	s.generated.mu.Unlock()
}

func (s *State) recordFailure(index int, reason string) {
	s.generated.mu.Lock()
	s.failed.mu.Lock()
	s.failed.m[index] = reason
	delete(s.generated.m, index)
	s.failed.mu.Unlock()
	s.generated.mu.Unlock()
}

// Artifact returns the artifact reference for a generated page.
func (s *State) Artifact(index int) (string, bool) { return s.generated.get(index) }

// FailureReason returns the recorded reason for a failed page.
func (s *State) FailureReason(index int) (string, bool) { return s.failed.get(index) }

func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *State) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *State) setContext(topic, outline string) {
	s.mu.Lock()
	s.topic = topic
	s.outline = outline
	s.mu.Unlock()
}

func (s *State) setCover(ref string, image []byte) {
	s.mu.Lock()
	s.coverRef = ref
	s.coverImage = image
	s.mu.Unlock()
}

func (s *State) cover() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coverImage
}

// Snapshot returns a consistent copy of the state.
func (s *State) Snapshot() Snapshot {
	s.generated.mu.RLock()
	s.failed.mu.RLock()
	generated, generatedIdx := s.generated.copyLocked()
	failed, failedIdx := s.failed.copyLocked()
	s.failed.mu.RUnlock()
	s.generated.mu.RUnlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		TaskID:           s.ID,
		Status:           s.status,
		CreatedAt:        s.CreatedAt,
		Generated:        generated,
		Failed:           failed,
		GeneratedIndices: generatedIdx,
		FailedIndices:    failedIdx,
		CoverArtifact:    s.coverRef,
		Topic:            s.topic,
		Outline:          s.outline,
	}
}

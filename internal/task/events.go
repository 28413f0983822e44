package task

type EventType string

const (
	EventProgress   EventType = "progress"
	EventPageDone   EventType = "complete"
	EventPageFailed EventType = "page_failed"
	EventFinish     EventType = "finish"
	EventError      EventType = "error"
)

// Event is one item of a task's progress stream. Finish and Failure are
// terminal.
type Event interface {
	Type() EventType
}

type ProgressScope string

const (
	ScopePage  ProgressScope = "page"
	ScopeBatch ProgressScope = "batch"
)

// Progress announces work that is about to happen. Index is nil for batch
// announcements.
type Progress struct {
	Scope   ProgressScope `json:"scope"`
	Index   *int          `json:"index,omitempty"`
	Kind    PageKind      `json:"phase,omitempty"`
	Message string        `json:"message"`
	Current int           `json:"current"`
	Total   int           `json:"total"`
}

type PageDone struct {
	Index       int      `json:"index"`
	Kind        PageKind `json:"phase"`
	ArtifactRef string   `json:"filename"`
}

type PageFailed struct {
	Index  int    `json:"index"`
	Reason string `json:"error"`
}

type Finish struct {
	Success       bool     `json:"success"`
	TaskID        string   `json:"task_id"`
	Artifacts     []string `json:"images"`
	Total         int      `json:"total"`
	Completed     int      `json:"completed"`
	Failed        int      `json:"failed"`
	FailedIndices []int    `json:"failed_indices"`
}

// Failure ends a run that could not process its pages at all.
type Failure struct {
	Message string `json:"message"`
}

func (Progress) Type() EventType   { return EventProgress }
func (PageDone) Type() EventType   { return EventPageDone }
func (PageFailed) Type() EventType { return EventPageFailed }
func (Finish) Type() EventType     { return EventFinish }
func (Failure) Type() EventType    { return EventError }

// IsTerminal reports whether ev ends a run.
func IsTerminal(ev Event) bool {
	switch ev.Type() {
	case EventFinish, EventError:
		return true
	}
	return false
}

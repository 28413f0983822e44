package task

import (
	"context"
	"time"
)

type Status string

const (
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusAborted  Status = "aborted"
)

type PageKind string

const (
	KindCover   PageKind = "cover"
	KindContent PageKind = "content"
	KindSummary PageKind = "summary"
)

// Valid reports whether k is one of the known page kinds.
func (k PageKind) Valid() bool {
	switch k {
	case KindCover, KindContent, KindSummary:
		return true
	}
	return false
}

// PageSpec is one unit of work inside a task. Index is unique within the task
// and defines processing order.
type PageSpec struct {
	Index   int      `json:"index"`
	Kind    PageKind `json:"type"`
	Content string   `json:"content"`
}

// PageRequest is everything a PageGenerator gets for a single page.
type PageRequest struct {
	TaskID    string
	Page      PageSpec
	Topic     string
	Outline   string
	Reference []byte
}

// PageGenerator produces image bytes for one page. It may be slow and may fail.
type PageGenerator interface {
	GeneratePage(ctx context.Context, req PageRequest) ([]byte, error)
}

// Thumbnailer derives a small preview of an artifact.
type Thumbnailer interface {
	Derive(data []byte) ([]byte, error)
}

// StartRequest describes a new task run.
type StartRequest struct {
	TaskID          string
	Pages           []PageSpec
	Topic           string
	Outline         string
	ReferenceImages [][]byte
}

// RetryRequest targets exactly one page of an existing or historical task.
// UseReference is accepted for API compatibility; retries never pass a reference.
type RetryRequest struct {
	TaskID       string
	Page         PageSpec
	UseReference bool
	Topic        string
	Outline      string
}

// Outcome is the result of a single page retry. Retryable is always true:
// repeating the same call overwrites the same index.
type Outcome struct {
	Success     bool   `json:"success"`
	Index       int    `json:"index"`
	ArtifactRef string `json:"filename,omitempty"`
	Reason      string `json:"error,omitempty"`
	Retryable   bool   `json:"retryable"`
	Persisted   bool   `json:"persisted"`
}

// Snapshot is a consistent read-only copy of a task state.
type Snapshot struct {
	TaskID           string         `json:"task_id"`
	Status           Status         `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	Generated        map[int]string `json:"generated"`
	Failed           map[int]string `json:"failed"`
	GeneratedIndices []int          `json:"generated_indices"`
	FailedIndices    []int          `json:"failed_indices"`
	CoverArtifact    string         `json:"cover_artifact,omitempty"`
	Topic            string         `json:"topic,omitempty"`
	Outline          string         `json:"outline,omitempty"`
}

type Options struct {
	DataDir            string
	MaxConcurrentTasks int
	StreamTimeout      time.Duration
	Generator          PageGenerator
	Thumbnailer        Thumbnailer
	Store              ArtifactStore
}

const (
	defaultMaxConcurrent = 15
	defaultStreamTimeout = 5 * time.Minute
)

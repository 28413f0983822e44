package task

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// taskRun is one pass over a task's pages. It owns its stream and is the only
// one that closes it.
type taskRun struct {
	manager    *Manager
	state      *State
	stream     *Stream
	pages      []PageSpec
	topic      string
	outline    string
	references [][]byte
}

// runWithSlot waits for a pool slot, then runs the task. If the base context
// is cancelled while waiting the run is aborted.
func (m *Manager) runWithSlot(run *taskRun) {
	ctx := m.baseContext()
	select {
	case m.semaphore <- struct{}{}:
	case <-ctx.Done():
		run.abort("task cancelled before start: " + ctx.Err().Error())
		return
	}
	defer func() { <-m.semaphore }()

	run.execute(ctx)
}

func (r *taskRun) execute(ctx context.Context) {
	defer r.stream.Close()

	taskID := r.state.ID
	r.state.setStatus(StatusRunning)

	if _, err := r.manager.store.EnsureTaskDir(ctx, taskID); err != nil {
		r.abort("failed to create task dir: " + err.Error())
		return
	}

	total := len(r.pages)
	for position, page := range r.pages {
		if page.Kind == KindContent && (position == 0 || r.pages[position-1].Kind != KindContent) {
			r.emit(Progress{
				Scope:   ScopeBatch,
				Kind:    KindContent,
				Message: fmt.Sprintf("generating %d content pages", contentRun(r.pages[position:])),
				Current: position + 1,
				Total:   total,
			})
		}

		index := page.Index
		r.emit(Progress{
			Scope:   ScopePage,
			Index:   &index,
			Kind:    page.Kind,
			Message: "generating",
			Current: position + 1,
			Total:   total,
		})

		ref, data, err := r.manager.generatePage(ctx, PageRequest{
			TaskID:    taskID,
			Page:      page,
			Topic:     r.topic,
			Outline:   r.outline,
			Reference: r.referenceFor(position, page),
		})
		if err != nil {
			r.state.recordFailure(index, err.Error())
			log.Warn().Str("task_id", taskID).Int("index", index).Err(err).Msg("page generation failed")
			r.emit(PageFailed{Index: index, Reason: err.Error()})
			continue
		}

		r.state.recordSuccess(index, ref)
		if page.Kind == KindCover {
			r.state.setCover(ref, data)
		}
		log.Info().Str("task_id", taskID).Int("index", index).Str("artifact", ref).Msg("page generated")
		r.emit(PageDone{Index: index, Kind: page.Kind, ArtifactRef: ref})
	}

	snap := r.state.Snapshot()
	r.state.setStatus(StatusFinished)
	snap.Status = StatusFinished
	r.manager.persistSnapshot(snap)

	artifacts := make([]string, 0, len(snap.GeneratedIndices))
	for _, idx := range snap.GeneratedIndices {
		artifacts = append(artifacts, snap.Generated[idx])
	}
	finish := Finish{
		Success:       len(snap.Failed) == 0,
		TaskID:        taskID,
		Artifacts:     artifacts,
		Total:         total,
		Completed:     len(snap.Generated),
		Failed:        len(snap.Failed),
		FailedIndices: snap.FailedIndices,
	}
	r.emit(finish)

	log.Info().
		Str("task_id", taskID).
		Int("total", finish.Total).
		Int("completed", finish.Completed).
		Int("failed", finish.Failed).
		Bool("stream_timed_out", r.stream.TimedOut()).
		Msg("task finished")
}

// abort ends the run with a Failure event and closes the stream.
func (r *taskRun) abort(msg string) {
	r.state.setStatus(StatusAborted)
	log.Error().Str("task_id", r.state.ID).Str("reason", msg).Msg("task aborted")
	r.emit(Failure{Message: msg})
	r.stream.Close()
}

func (r *taskRun) emit(ev Event) {
	if !r.stream.send(ev) && !r.stream.TimedOut() {
		log.Debug().Str("task_id", r.state.ID).Str("event", string(ev.Type())).Msg("event dropped")
	}
}

// contentRun counts the content pages at the head of pages.
func contentRun(pages []PageSpec) int {
	n := 0
	for n < len(pages) && pages[n].Kind == KindContent {
		n++
	}
	return n
}

// referenceFor picks the caller's reference image by loop position, reusing
// the last one when there are fewer references than pages. Without caller
// references, pages after the cover are styled after the generated cover.
func (r *taskRun) referenceFor(position int, page PageSpec) []byte {
	if n := len(r.references); n > 0 {
		return r.references[min(position, n-1)]
	}
	if page.Kind != KindCover {
		return r.state.cover()
	}
	return nil
}

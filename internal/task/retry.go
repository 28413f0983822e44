package task

import (
	"context"

	"github.com/rs/zerolog/log"
)

// RetryPage regenerates exactly one page synchronously on the caller's
// context, without a reference image. A success promotes the index to
// generated, a failure demotes it to failed.
//
// A task whose state was already cleaned up is not an error: the page is still
// generated and stored, and the outcome reports Persisted=false.
func (m *Manager) RetryPage(ctx context.Context, req RetryRequest) Outcome {
	index := req.Page.Index
	outcome := Outcome{Index: index, Retryable: true}

	if !validPathElem(req.TaskID) {
		outcome.Reason = errInvalidTaskRef.Error()
		return outcome
	}
	if !req.Page.Kind.Valid() || index < 0 {
		outcome.Reason = newErrInvalidPage(index, "invalid page").Error()
		return outcome
	}

	state, hasState := m.registry.Get(req.TaskID)
	logger := log.With().Str("task_id", req.TaskID).Int("index", index).Bool("has_state", hasState).Logger()
	logger.Info().Msg("retrying page")

	ref, data, err := m.generatePage(ctx, PageRequest{
		TaskID:  req.TaskID,
		Page:    req.Page,
		Topic:   req.Topic,
		Outline: req.Outline,
	})
	if err != nil {
		outcome.Reason = err.Error()
		logger.Warn().Err(err).Msg("page retry failed")
	} else {
		outcome.Success = true
		outcome.ArtifactRef = ref
		logger.Info().Str("artifact", ref).Msg("page retry succeeded")
	}

	if !hasState {
		return outcome
	}
	if outcome.Success {
		state.recordSuccess(index, ref)
		if req.Page.Kind == KindCover {
			state.setCover(ref, data)
		}
	} else {
		state.recordFailure(index, outcome.Reason)
	}
	outcome.Persisted = true
	m.persistSnapshot(state.Snapshot())
	return outcome
}

// RegeneratePage behaves exactly like RetryPage.
func (m *Manager) RegeneratePage(ctx context.Context, req RetryRequest) Outcome {
	return m.RetryPage(ctx, req)
}

// RetryPages retries each page in turn and returns one outcome per page.
// Once ctx is done the remaining pages are reported failed without a
// generator call.
func (m *Manager) RetryPages(ctx context.Context, taskID string, pages []PageSpec, topic, outline string) []Outcome {
	outcomes := make([]Outcome, 0, len(pages))
	for _, page := range pages {
		if ctx.Err() != nil {
			outcomes = append(outcomes, Outcome{Index: page.Index, Reason: ctx.Err().Error(), Retryable: true})
			continue
		}
		outcomes = append(outcomes, m.RetryPage(ctx, RetryRequest{
			TaskID:  taskID,
			Page:    page,
			Topic:   topic,
			Outline: outline,
		}))
	}
	return outcomes
}

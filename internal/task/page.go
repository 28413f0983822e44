package task

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// generatePage is the single call path shared by task runs and retries:
// generate, store the artifact, derive a thumbnail. Any error, including a
// generator panic, is returned as the page's failure.
func (m *Manager) generatePage(ctx context.Context, req PageRequest) (string, []byte, error) {
	gen := m.pageGenerator()
	if gen == nil {
		return "", nil, ErrNoGenerator
	}
	data, err := callGenerator(ctx, gen, req)
	if err != nil {
		return "", nil, err
	}
	if len(data) == 0 {
		return "", nil, errEmptyArtifact
	}
	ref, err := m.store.SaveArtifact(ctx, req.TaskID, req.Page.Index, data)
	if err != nil {
		return "", nil, err
	}
	m.deriveThumbnail(ctx, req.TaskID, ref, data)
	return ref, data, nil
}

func callGenerator(ctx context.Context, gen PageGenerator, req PageRequest) (data []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			data = nil
			err = fmt.Errorf("generator panic: %v", rec)
		}
	}()
	return gen.GeneratePage(ctx, req)
}

// deriveThumbnail is best-effort; a failure never fails the page.
func (m *Manager) deriveThumbnail(ctx context.Context, taskID, ref string, data []byte) {
	if m.thumbnailer == nil {
		return
	}
	thumb, err := m.thumbnailer.Derive(data)
	if err != nil {
		log.Warn().Str("task_id", taskID).Str("artifact", ref).Err(err).Msg("thumbnail derive failed")
		return
	}
	if err := m.store.SaveThumbnail(ctx, taskID, ref, thumb); err != nil {
		log.Warn().Str("task_id", taskID).Str("artifact", ref).Err(err).Msg("thumbnail save failed")
	}
}

// persistSnapshot writes the state next to the artifacts, best-effort.
func (m *Manager) persistSnapshot(snap Snapshot) {
	if err := m.store.SaveSnapshot(context.Background(), snap); err != nil {
		log.Warn().Str("task_id", snap.TaskID).Err(err).Msg("persist snapshot failed")
	}
}

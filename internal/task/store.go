package task

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	fileutil "pagesmith/internal/file"
)

// ArtifactStore abstracts where page images and task snapshots live.
// Default implementation is file-based under dataDir/<task_id>/.
type ArtifactStore interface {
	EnsureTaskDir(ctx context.Context, taskID string) (string, error)
	SaveArtifact(ctx context.Context, taskID string, index int, data []byte) (string, error)
	SaveThumbnail(ctx context.Context, taskID, ref string, data []byte) error
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	ArtifactPath(taskID, ref string) (string, error)
	ThumbnailPath(taskID, ref string) (string, error)
}

const (
	thumbnailPrefix = "thumb_"
	snapshotName    = "state.json"
)

// fileStore implements ArtifactStore using the local filesystem under dataDir.
type fileStore struct {
	dataDir string
}

func NewFileStore(dataDir string) ArtifactStore { //nolint:ireturn
	if dataDir == "" {
		dataDir = "history"
	}
	return &fileStore{dataDir: dataDir}
}

func (s *fileStore) taskDir(taskID string) string {
	return filepath.Join(s.dataDir, taskID)
}

// ArtifactRef is the opaque name a page image is stored under.
func ArtifactRef(index int) string {
	return strconv.Itoa(index) + ".png"
}

func validPathElem(elem string) bool {
	return elem != "" && elem != "." && elem != ".." && filepath.Base(elem) == elem && !strings.ContainsAny(elem, `/\`)
}

func (s *fileStore) ArtifactPath(taskID, ref string) (string, error) {
	if !validPathElem(taskID) || !validPathElem(ref) {
		return "", errInvalidTaskRef
	}
	return filepath.Join(s.taskDir(taskID), ref), nil
}

func (s *fileStore) ThumbnailPath(taskID, ref string) (string, error) {
	return s.ArtifactPath(taskID, thumbnailPrefix+ref)
}

func (s *fileStore) EnsureTaskDir(ctx context.Context, taskID string) (string, error) { //nolint:revive // context reserved for future use
	if !validPathElem(taskID) {
		return "", errInvalidTaskRef
	}
	dir := s.taskDir(taskID)
	if err := fileutil.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("ensure task dir: %w", err)
	}
	return dir, nil
}

func (s *fileStore) SaveArtifact(ctx context.Context, taskID string, index int, data []byte) (string, error) {
	if _, err := s.EnsureTaskDir(ctx, taskID); err != nil {
		return "", err
	}
	ref := ArtifactRef(index)
	dest, err := s.ArtifactPath(taskID, ref)
	if err != nil {
		return "", err
	}
	if err := fileutil.CopyAtomic(dest, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}
	return ref, nil
}

func (s *fileStore) SaveThumbnail(ctx context.Context, taskID, ref string, data []byte) error { //nolint:revive // context reserved for future use
	dest, err := s.ThumbnailPath(taskID, ref)
	if err != nil {
		return err
	}
	return fileutil.CopyAtomic(dest, bytes.NewReader(data)) //nolint:wrapcheck
}

func (s *fileStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	dir, err := s.EnsureTaskDir(ctx, snap.TaskID)
	if err != nil {
		return err
	}
	return fileutil.WriteJSONAtomic(filepath.Join(dir, snapshotName), snap) //nolint:wrapcheck
}

package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"pagesmith/internal/archive"
	"pagesmith/internal/config"
	"pagesmith/internal/generator"
	"pagesmith/internal/task"
	"pagesmith/internal/thumbnail"
)

type pageRequest struct {
	Index   *int   `json:"index" binding:"required,min=0"`
	Type    string `json:"type" binding:"required,pagekind"`
	Content string `json:"content"`
}

type generateRequest struct {
	TaskID      string        `json:"task_id" binding:"omitempty,max=64"`
	Pages       []pageRequest `json:"pages" binding:"required,min=1,dive"`
	FullOutline string        `json:"full_outline"`
	UserTopic   string        `json:"user_topic"`
	UserImages  []string      `json:"user_images"`
}

type retryRequest struct {
	TaskID       string       `json:"task_id" binding:"required,max=64"`
	Page         *pageRequest `json:"page" binding:"required"`
	UseReference *bool        `json:"use_reference"`
	FullOutline  string       `json:"full_outline"`
	UserTopic    string       `json:"user_topic"`
}

type retryFailedRequest struct {
	TaskID      string        `json:"task_id" binding:"required,max=64"`
	Pages       []pageRequest `json:"pages" binding:"required,min=1,dive"`
	FullOutline string        `json:"full_outline"`
	UserTopic   string        `json:"user_topic"`
}

type outcomeResponse struct {
	task.Outcome
	ImageURL string `json:"image_url,omitempty"`
}

type retryFailedResponse struct {
	Success   bool              `json:"success"`
	Total     int               `json:"total"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Results   []outcomeResponse `json:"results"`
}

type pageDonePayload struct {
	task.PageDone
	ImageURL string `json:"image_url"`
}

// Outliner drafts a page outline for a topic.
type Outliner interface {
	GenerateOutline(ctx context.Context, topic string, images [][]byte) (generator.Outline, error)
}

// Options configures the handlers. Caller images are shrunk to ReferenceMaxKB
// before use. A nil Outliner disables outline drafting.
type Options struct {
	ReferenceMaxKB int
	Outliner       Outliner
	Settings       config.Config
}

type API struct {
	taskManager    *task.Manager
	referenceMaxKB int
	outliner       Outliner
	settings       config.Config
}

var registerValidators sync.Once

// NewAPI wires handlers to the manager.
func NewAPI(taskManager *task.Manager, opts Options) *API {
	registerValidators.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("pagekind", func(fl validator.FieldLevel) bool {
				return task.PageKind(fl.Field().String()).Valid()
			})
		}
	})
	return &API{
		taskManager:    taskManager,
		referenceMaxKB: opts.ReferenceMaxKB,
		outliner:       opts.Outliner,
		settings:       opts.Settings,
	}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.GET("/health", a.Health)
		api.GET("/config", a.GetConfig)
		api.POST("/outline", a.GenerateOutline)
		api.POST("/generate", a.Generate)
		api.GET("/task/:task_id", a.GetTask)
		api.DELETE("/task/:task_id", a.DeleteTask)
		api.GET("/task/:task_id/archive", a.DownloadArchive)
		api.POST("/retry", a.Retry)
		api.POST("/regenerate", a.Regenerate)
		api.POST("/retry-failed", a.RetryFailed)
		api.GET("/images/:task_id/:filename", a.GetImage)
	}
}

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "busy": a.taskManager.IsBusy()})
}

// Generate starts a task and streams its events as server-sent events until
// the run ends, the stream times out or the client goes away.
func (a *API) Generate(c *gin.Context) {
	if a.taskManager.IsBusy() {
		log.Warn().Msg("rejecting generate: server is at max concurrency")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server busy"})
		return
	}
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid generate request")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	taskID, stream, err := a.taskManager.StartTask(task.StartRequest{
		TaskID:          req.TaskID,
		Pages:           toPageSpecs(req.Pages),
		Topic:           req.UserTopic,
		Outline:         req.FullOutline,
		ReferenceImages: decodeReferences(req.UserImages, a.referenceMaxKB),
	})
	if err != nil {
		log.Warn().Str("task_id", req.TaskID).Err(err).Msg("failed to start task")
		c.JSON(startErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Task-ID", taskID)
	c.Status(http.StatusOK)
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				if stream.TimedOut() {
					log.Warn().Str("task_id", taskID).Msg("event stream timed out, generation continues")
					c.SSEvent(string(task.EventError), task.Failure{Message: stream.Err().Error()})
					c.Writer.Flush()
				}
				return
			}
			c.SSEvent(string(ev.Type()), eventPayload(taskID, ev))
			c.Writer.Flush()
		case <-clientGone:
			log.Info().Str("task_id", taskID).Msg("client disconnected from event stream")
			return
		}
	}
}

// GetTask returns the live state snapshot of a task
func (a *API) GetTask(c *gin.Context) {
	id := c.Param("task_id")
	snap, err := a.taskManager.GetTaskState(id)
	if err != nil {
		log.Warn().Str("task_id", id).Msg("task not found on get")
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) DeleteTask(c *gin.Context) {
	a.taskManager.CleanupTask(c.Param("task_id"))
	c.Status(http.StatusNoContent)
}

// DownloadArchive serves the generated pages of a live task as a zip
func (a *API) DownloadArchive(c *gin.Context) {
	id := c.Param("task_id")
	snap, err := a.taskManager.GetTaskState(id)
	if err != nil {
		log.Warn().Str("task_id", id).Msg("task not found on download")
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	entries := make([]archive.Entry, 0, len(snap.GeneratedIndices))
	for _, idx := range snap.GeneratedIndices {
		path, err := a.taskManager.Store().ArtifactPath(id, snap.Generated[idx])
		if err != nil {
			continue
		}
		entries = append(entries, archive.Entry{Index: idx, Path: path})
	}
	var buf bytes.Buffer
	results, err := archive.Write(c.Request.Context(), &buf, entries)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, archive.ErrNoEntries) {
			status = http.StatusNotFound
		}
		log.Warn().Str("task_id", id).Err(err).Msg("archive build failed")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	skipped := 0
	for _, r := range results {
		if r.Err != "" {
			skipped++
		}
	}
	log.Info().Str("task_id", id).Int("pages", len(results)-skipped).Int("skipped", skipped).Msg("serving archive download")
	c.Header("Content-Disposition", `attachment; filename="pages-`+id+`.zip"`)
	c.Data(http.StatusOK, "application/zip", buf.Bytes())
}

func (a *API) Retry(c *gin.Context) {
	a.retryWith(c, a.taskManager.RetryPage)
}

func (a *API) Regenerate(c *gin.Context) {
	a.retryWith(c, a.taskManager.RegeneratePage)
}

func (a *API) retryWith(c *gin.Context, run func(ctx context.Context, req task.RetryRequest) task.Outcome) {
	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid retry request")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	useReference := req.UseReference == nil || *req.UseReference
	outcome := run(c.Request.Context(), task.RetryRequest{
		TaskID:       req.TaskID,
		Page:         req.Page.toSpec(),
		UseReference: useReference,
		Topic:        req.UserTopic,
		Outline:      req.FullOutline,
	})
	resp := toOutcomeResponse(req.TaskID, outcome)
	if !outcome.Success {
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RetryFailed retries the given pages one after another.
func (a *API) RetryFailed(c *gin.Context) {
	var req retryFailedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid retry-failed request")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	outcomes := a.taskManager.RetryPages(c.Request.Context(), req.TaskID, toPageSpecs(req.Pages), req.UserTopic, req.FullOutline)
	resp := retryFailedResponse{Total: len(outcomes), Results: make([]outcomeResponse, 0, len(outcomes))}
	for _, o := range outcomes {
		if o.Success {
			resp.Completed++
		} else {
			resp.Failed++
		}
		resp.Results = append(resp.Results, toOutcomeResponse(req.TaskID, o))
	}
	resp.Success = resp.Failed == 0
	log.Info().Str("task_id", req.TaskID).Int("completed", resp.Completed).Int("failed", resp.Failed).Msg("batch retry finished")
	c.JSON(http.StatusOK, resp)
}

// GetImage serves a stored page image, preferring its thumbnail unless
// thumbnail=false is given.
func (a *API) GetImage(c *gin.Context) {
	taskID, filename := c.Param("task_id"), c.Param("filename")
	store := a.taskManager.Store()
	path, err := store.ArtifactPath(taskID, filename)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if c.DefaultQuery("thumbnail", "true") != "false" {
		if thumb, err := store.ThumbnailPath(taskID, filename); err == nil {
			if data, err := os.ReadFile(thumb); err == nil { //nolint:gosec // path validated by the store
				c.Data(http.StatusOK, http.DetectContentType(data), data)
				return
			}
		}
	}
	data, err := os.ReadFile(path) //nolint:gosec // path validated by the store
	if err != nil {
		log.Warn().Str("task_id", taskID).Str("filename", filename).Err(err).Msg("image not found")
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}

func (p pageRequest) toSpec() task.PageSpec {
	spec := task.PageSpec{Kind: task.PageKind(p.Type), Content: p.Content}
	if p.Index != nil {
		spec.Index = *p.Index
	}
	return spec
}

func toPageSpecs(in []pageRequest) []task.PageSpec {
	out := make([]task.PageSpec, 0, len(in))
	for _, p := range in {
		out = append(out, p.toSpec())
	}
	return out
}

func imageURL(taskID, ref string) string {
	return "/api/images/" + taskID + "/" + ref
}

func toOutcomeResponse(taskID string, o task.Outcome) outcomeResponse {
	resp := outcomeResponse{Outcome: o}
	if o.Success {
		resp.ImageURL = imageURL(taskID, o.ArtifactRef)
	}
	return resp
}

func eventPayload(taskID string, ev task.Event) any {
	if done, ok := ev.(task.PageDone); ok {
		return pageDonePayload{PageDone: done, ImageURL: imageURL(taskID, done.ArtifactRef)}
	}
	return ev
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, task.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, task.ErrNoGenerator):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// decodeReferences turns base64 images, optionally data-URL prefixed, into
// bytes. Entries that do not decode are skipped.
func decodeReferences(in []string, maxKB int) [][]byte {
	out := make([][]byte, 0, len(in))
	for i, raw := range in {
		raw = strings.TrimSpace(raw)
		if strings.HasPrefix(raw, "data:") {
			if comma := strings.IndexByte(raw, ','); comma >= 0 {
				raw = raw[comma+1:]
			}
		}
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil || len(data) == 0 {
			log.Warn().Int("position", i).Err(err).Msg("skipping undecodable reference image")
			continue
		}
		small, err := thumbnail.Compress(data, maxKB)
		if err != nil {
			log.Warn().Int("position", i).Err(err).Msg("reference compression failed, using original")
			small = data
		}
		out = append(out, small)
	}
	return out
}

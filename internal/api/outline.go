package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"pagesmith/internal/generator"
)

type outlineRequest struct {
	Topic  string   `json:"topic" binding:"required"`
	Images []string `json:"images"`
}

type outlineResponse struct {
	Success bool `json:"success"`
	generator.Outline
}

type providerView struct {
	Type         string   `json:"type"`
	Model        string   `json:"model"`
	APIKeyMasked string   `json:"api_key_masked"`
	MaxRetries   int      `json:"max_retries"`
	RetryDelay   string   `json:"retry_delay"`
	AspectRatio  string   `json:"aspect_ratio,omitempty"`
	Temperature  *float32 `json:"temperature,omitempty"`
	MaxTokens    int32    `json:"max_output_tokens,omitempty"`
}

type configView struct {
	MaxConcurrentTasks int          `json:"max_concurrent_tasks"`
	StreamTimeout      string       `json:"stream_timeout"`
	ThumbnailMaxKB     int          `json:"thumbnail_max_kb"`
	ReferenceMaxKB     int          `json:"reference_max_kb"`
	ImageGeneration    providerView `json:"image_generation"`
	TextGeneration     providerView `json:"text_generation"`
	OutlineEnabled     bool         `json:"outline_enabled"`
}

// GenerateOutline drafts a page outline for a topic. Attached images are
// base64 strings, optionally data-URL prefixed.
func (a *API) GenerateOutline(c *gin.Context) {
	if a.outliner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "outline generation is not configured"})
		return
	}
	var req outlineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid outline request")
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	images := decodeReferences(req.Images, a.referenceMaxKB)
	outline, err := a.outliner.GenerateOutline(c.Request.Context(), req.Topic, images)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, generator.ErrEmptyTopic) {
			status = http.StatusBadRequest
		}
		log.Error().Err(err).Int("images", len(images)).Msg("outline generation failed")
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}
	log.Info().Int("pages", len(outline.Pages)).Bool("has_images", outline.HasImages).Msg("outline generated")
	c.JSON(http.StatusOK, outlineResponse{Success: true, Outline: outline})
}

// GetConfig returns the effective provider settings with API keys masked.
func (a *API) GetConfig(c *gin.Context) {
	s := a.settings
	ip, tp := s.ImageProvider, s.TextProvider
	temperature := tp.Temperature
	c.JSON(http.StatusOK, configView{
		MaxConcurrentTasks: s.MaxConcurrentTasks,
		StreamTimeout:      s.StreamTimeout.String(),
		ThumbnailMaxKB:     s.ThumbnailMaxKB,
		ReferenceMaxKB:     s.ReferenceMaxKB,
		ImageGeneration: providerView{
			Type:         ip.Type,
			Model:        ip.Model,
			APIKeyMasked: maskAPIKey(ip.APIKey),
			MaxRetries:   ip.MaxRetries,
			RetryDelay:   ip.RetryDelay.String(),
			AspectRatio:  ip.AspectRatio,
		},
		TextGeneration: providerView{
			Type:         tp.Type,
			Model:        tp.Model,
			APIKeyMasked: maskAPIKey(tp.APIKey),
			MaxRetries:   tp.MaxRetries,
			RetryDelay:   tp.RetryDelay.String(),
			Temperature:  &temperature,
			MaxTokens:    tp.MaxOutputTokens,
		},
		OutlineEnabled: a.outliner != nil,
	})
}

// maskAPIKey keeps the first and last four characters of keys longer than
// eight and stars out everything else.
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

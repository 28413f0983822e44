// Package generator renders page images and drafts page outlines with Google
// Gemini.
package generator

import (
	"context"
	"fmt"
	"net/http"
	"text/template"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"pagesmith/internal/config"
	"pagesmith/internal/task"
)

// contentGenerator is the part of the genai client the generator uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini implements task.PageGenerator.
type Gemini struct {
	*retryPolicy

	models      contentGenerator
	model       string
	aspectRatio string
	prompt      *template.Template
}

var _ task.PageGenerator = (*Gemini)(nil)

// New builds a Gemini-backed generator from the image provider configuration.
func New(ctx context.Context, cfg config.ImageProvider) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key cannot be empty", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", ErrInvalidConfig)
	}
	tmpl, err := loadTemplate(cfg.PromptTemplatePath)
	if err != nil {
		return nil, err
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create gemini client: %v", ErrInvalidConfig, err)
	}
	return newGemini(client.Models, tmpl, cfg), nil
}

func newGemini(models contentGenerator, tmpl *template.Template, cfg config.ImageProvider) *Gemini {
	return &Gemini{
		retryPolicy: newRetryPolicy(cfg.MaxRetries, cfg.RetryDelay),
		models:      models,
		model:       cfg.Model,
		aspectRatio: cfg.AspectRatio,
		prompt:      tmpl,
	}
}

// GeneratePage renders one page. A reference image, when present, is sent
// ahead of the prompt together with a style-consistency instruction.
func (g *Gemini) GeneratePage(ctx context.Context, req task.PageRequest) ([]byte, error) {
	prompt, err := g.renderPrompt(req)
	if err != nil {
		return nil, err
	}
	var parts []*genai.Part
	if len(req.Reference) > 0 {
		parts = append(parts,
			genai.NewPartFromBytes(req.Reference, http.DetectContentType(req.Reference)),
			genai.NewPartFromText(fmt.Sprintf(referenceInstruction, prompt)),
		)
	} else {
		parts = append(parts, genai.NewPartFromText(prompt))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, "user")}
	return g.callWithRetry(ctx, req, contents)
}

func (g *Gemini) callWithRetry(ctx context.Context, req task.PageRequest, contents []*genai.Content) ([]byte, error) {
	genCfg := &genai.GenerateContentConfig{ResponseModalities: []string{"TEXT", "IMAGE"}}
	logger := log.With().Str("task_id", req.TaskID).Int("index", req.Page.Index).Str("model", g.model).Logger()

	resp, err := g.generate(ctx, g.models, g.model, contents, genCfg, logger)
	if err != nil {
		return nil, err
	}
	data, err := imageFrom(resp)
	if err != nil {
		// malformed or refused answers do not improve on retry
		logger.Warn().Err(err).Msg("gemini: unusable response")
		return nil, err
	}
	logger.Debug().Int("bytes", len(data)).Msg("gemini: page generated")
	return data, nil
}

func imageFrom(resp *genai.GenerateContentResponse) ([]byte, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: nil response", ErrNoImage)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("%w: prompt blocked (%s)", ErrContentBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates", ErrNoImage)
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return nil, fmt.Errorf("%w: finish reason %s", ErrContentBlocked, cand.FinishReason)
	}
	if cand.Content == nil {
		return nil, fmt.Errorf("%w: empty candidate", ErrNoImage)
	}
	for _, part := range cand.Content.Parts {
		if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return part.InlineData.Data, nil
		}
	}
	return nil, fmt.Errorf("%w: finish reason %q", ErrNoImage, cand.FinishReason)
}

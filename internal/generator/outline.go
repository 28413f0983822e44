package generator

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"text/template"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"pagesmith/internal/config"
	"pagesmith/internal/task"
)

const defaultOutlineTemplate = `You plan image-and-text posts for a social media feed.

The user's request:
{{.Topic}}

Requirements:
- The first page is an eye-catching cover with a title and a subtitle.
- Use 6 to 12 pages including the cover, unless the request asks for a specific count (2 to 18).
- Follow any tone, language or emoji preference stated in the request.
- Keep every page short and concrete enough to illustrate.
- The last page may be a summary or a call to action.
{{- if .ImageCount}}
- The user attached {{.ImageCount}} reference image(s). Relate the outline to what they show.
{{- end}}

Output format, followed strictly:
- Start every page with the separator <page>
- The first line of a page is its type marker: [cover], [content] or [summary]
- The rest of the page describes its content in detail
- Do not use the | character

Reply with the outline only, starting at the first <page>.
`

var pageMarker = regexp.MustCompile(`^\s*\[(\w+)\]`)

// Outline is a drafted page plan that can be fed back into a generation task.
type Outline struct {
	Text      string          `json:"outline"`
	Pages     []task.PageSpec `json:"pages"`
	HasImages bool            `json:"has_images"`
}

type outlineData struct {
	Topic      string
	ImageCount int
}

// Outliner drafts outlines with a Gemini text model.
type Outliner struct {
	*retryPolicy

	models      contentGenerator
	model       string
	temperature float32
	maxTokens   int32
	prompt      *template.Template
}

// NewOutliner builds a Gemini-backed outliner from the text provider configuration.
func NewOutliner(ctx context.Context, cfg config.TextProvider) (*Outliner, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key cannot be empty", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", ErrInvalidConfig)
	}
	tmpl, err := parseTemplate("outline", defaultOutlineTemplate, cfg.PromptTemplatePath)
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
	return newOutliner(client.Models, tmpl, cfg), nil
}

func newOutliner(models contentGenerator, tmpl *template.Template, cfg config.TextProvider) *Outliner {
	return &Outliner{
		retryPolicy: newRetryPolicy(cfg.MaxRetries, cfg.RetryDelay),
		models:      models,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxOutputTokens,
		prompt:      tmpl,
	}
}

// GenerateOutline drafts an outline for topic. Images, when given, are sent
// ahead of the prompt so the model can relate the pages to them.
func (o *Outliner) GenerateOutline(ctx context.Context, topic string, images [][]byte) (Outline, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Outline{}, ErrEmptyTopic
	}
	var buf bytes.Buffer
	if err := o.prompt.Execute(&buf, outlineData{Topic: topic, ImageCount: len(images)}); err != nil {
		return Outline{}, fmt.Errorf("execute outline template: %w", err)
	}

	parts := make([]*genai.Part, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, genai.NewPartFromBytes(img, http.DetectContentType(img)))
	}
	parts = append(parts, genai.NewPartFromText(buf.String()))
	contents := []*genai.Content{genai.NewContentFromParts(parts, "user")}

	temperature := o.temperature
	genCfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: o.maxTokens,
	}
	logger := log.With().Str("model", o.model).Int("images", len(images)).Logger()

	resp, err := o.generate(ctx, o.models, o.model, contents, genCfg, logger)
	if err != nil {
		return Outline{}, err
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return Outline{}, fmt.Errorf("%w: prompt blocked (%s)", ErrContentBlocked, resp.PromptFeedback.BlockReason)
	}
	text := strings.TrimSpace(resp.Text())
	pages := ParseOutline(text)
	if len(pages) == 0 {
		return Outline{}, fmt.Errorf("%w: %d characters of text", ErrNoOutline, len(text))
	}
	logger.Info().Int("pages", len(pages)).Msg("outline drafted")
	return Outline{Text: text, Pages: pages, HasImages: len(images) > 0}, nil
}

// ParseOutline splits model output into pages. Pages are separated by <page>,
// or by --- lines when no <page> separator is present. A leading [cover],
// [content] or [summary] marker sets the page kind and is removed from the
// content; anything else is a content page.
func ParseOutline(text string) []task.PageSpec {
	sep := "<page>"
	if !strings.Contains(text, sep) {
		sep = "---"
	}
	var pages []task.PageSpec
	for _, raw := range strings.Split(text, sep) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		kind := task.KindContent
		if m := pageMarker.FindStringSubmatchIndex(raw); m != nil {
			if k := task.PageKind(strings.ToLower(raw[m[2]:m[3]])); k.Valid() {
				kind = k
			}
			raw = strings.TrimSpace(raw[m[1]:])
		}
		pages = append(pages, task.PageSpec{Index: len(pages), Kind: kind, Content: raw})
	}
	return pages
}

package generator

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"pagesmith/internal/task"
)

const defaultPromptTemplate = `Create a {{.AspectRatio}} social media page image.
{{- if .Topic}}
Topic: {{.Topic}}
{{- end}}
Page type: {{.Kind}}
{{- if eq .Kind "cover"}}
This is the cover: make the title large and eye-catching.
{{- else if eq .Kind "summary"}}
This is the closing page: summarise the key points clearly.
{{- end}}

Page content:
{{.Content}}
{{- if .Outline}}

Full outline for context (render only this page):
{{.Outline}}
{{- end}}
`

const referenceInstruction = `Use the image above as a visual style reference. Keep its colour palette, typography, layout style and decorative elements consistent, but render new content.

New page requirements:
%s`

type promptData struct {
	Kind        task.PageKind
	Content     string
	Topic       string
	Outline     string
	AspectRatio string
}

// loadTemplate parses the page template at path, or the built-in one when path is empty.
func loadTemplate(path string) (*template.Template, error) {
	return parseTemplate("page", defaultPromptTemplate, path)
}

func parseTemplate(name, fallback, path string) (*template.Template, error) {
	text := fallback
	if path != "" {
		b, err := os.ReadFile(path) //nolint:gosec // path comes from deployment config
		if err != nil {
			return nil, fmt.Errorf("%w: read prompt template %s: %v", ErrInvalidConfig, path, err)
		}
		text = string(b)
		name = path
	}
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: parse prompt template: %v", ErrInvalidConfig, err)
	}
	return tmpl, nil
}

func (g *Gemini) renderPrompt(req task.PageRequest) (string, error) {
	var buf bytes.Buffer
	err := g.prompt.Execute(&buf, promptData{
		Kind:        req.Page.Kind,
		Content:     req.Page.Content,
		Topic:       req.Topic,
		Outline:     req.Outline,
		AspectRatio: g.aspectRatio,
	})
	if err != nil {
		return "", fmt.Errorf("execute prompt template: %w", err)
	}
	prompt := strings.TrimSpace(buf.String())
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	return prompt, nil
}

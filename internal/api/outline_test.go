package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"pagesmith/internal/config"
	"pagesmith/internal/generator"
	"pagesmith/internal/task"
)

type stubOutliner struct {
	err    error
	topic  string
	images int
}

func (o *stubOutliner) GenerateOutline(_ context.Context, topic string, images [][]byte) (generator.Outline, error) {
	o.topic, o.images = topic, len(images)
	if o.err != nil {
		return generator.Outline{}, o.err
	}
	text := "<page>[cover] " + topic + "\n<page>[content] details"
	return generator.Outline{Text: text, Pages: generator.ParseOutline(text), HasImages: len(images) > 0}, nil
}

func setupOutlineRouter(t *testing.T, outliner Outliner, settings config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	testRouter := gin.New()
	testManager := task.NewManagerWithOptions(task.Options{DataDir: t.TempDir(), MaxConcurrentTasks: 1})
	NewAPI(testManager, Options{ReferenceMaxKB: 200, Outliner: outliner, Settings: settings}).RegisterRoutes(testRouter)
	return testRouter
}

func TestGenerateOutline(t *testing.T) {
	outliner := &stubOutliner{}
	testRouter := setupOutlineRouter(t, outliner, config.Default())

	img := base64.StdEncoding.EncodeToString([]byte("ref"))
	w := doJSON(testRouter, http.MethodPost, "/api/outline", fmt.Sprintf(`{"topic":"hiking","images":[%q]}`, img))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Success   bool            `json:"success"`
		Outline   string          `json:"outline"`
		Pages     []task.PageSpec `json:"pages"`
		HasImages bool            `json:"has_images"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Success || !resp.HasImages || len(resp.Pages) != 2 || resp.Pages[0].Kind != task.KindCover {
		t.Fatalf("unexpected outline response: %+v", resp)
	}
	if outliner.topic != "hiking" || outliner.images != 1 {
		t.Fatalf("unexpected outliner call: %+v", outliner)
	}
}

func TestGenerateOutlineErrors(t *testing.T) {
	if w := doJSON(setupOutlineRouter(t, nil, config.Default()), http.MethodPost, "/api/outline", `{"topic":"x"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without outliner, got %d", w.Code)
	}

	testRouter := setupOutlineRouter(t, &stubOutliner{}, config.Default())
	if w := doJSON(testRouter, http.MethodPost, "/api/outline", `{"images":[]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without topic, got %d", w.Code)
	}

	testRouter = setupOutlineRouter(t, &stubOutliner{err: fmt.Errorf("wrap: %w", generator.ErrEmptyTopic)}, config.Default())
	if w := doJSON(testRouter, http.MethodPost, "/api/outline", `{"topic":"   "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank topic, got %d", w.Code)
	}

	testRouter = setupOutlineRouter(t, &stubOutliner{err: errors.New("model down")}, config.Default())
	w := doJSON(testRouter, http.MethodPost, "/api/outline", `{"topic":"x"}`)
	if w.Code != http.StatusInternalServerError || !strings.Contains(w.Body.String(), `"success":false`) {
		t.Fatalf("expected 500 failure body, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetConfigMasksKeys(t *testing.T) {
	settings := config.Default()
	settings.ImageProvider.APIKey = "AIzaSyImageKey1234"
	settings.TextProvider.APIKey = "short"
	testRouter := setupOutlineRouter(t, &stubOutliner{}, settings)

	w := doJSON(testRouter, http.MethodGet, "/api/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "AIzaSyImageKey1234") || strings.Contains(body, `"short"`) {
		t.Fatalf("api keys leaked: %s", body)
	}
	var view configView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.ImageGeneration.APIKeyMasked != "AIza**********1234" || view.TextGeneration.APIKeyMasked != "*****" {
		t.Fatalf("unexpected masking: %+v / %+v", view.ImageGeneration, view.TextGeneration)
	}
	if view.MaxConcurrentTasks != 15 || view.StreamTimeout != "5m0s" || !view.OutlineEnabled {
		t.Fatalf("unexpected config view: %+v", view)
	}
}

func TestMaskAPIKey(t *testing.T) {
	for in, want := range map[string]string{
		"":          "",
		"12345678":  "********",
		"123456789": "1234*6789",
	} {
		if got := maskAPIKey(in); got != want {
			t.Fatalf("maskAPIKey(%q) = %q, want %q", in, got, want)
		}
	}
}

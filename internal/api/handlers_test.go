package api

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"pagesmith/internal/config"
	"pagesmith/internal/task"
)

type stubGenerator struct {
	failIndex   atomic.Int64 // -1 disables failures
	block       chan struct{}
	lastOutline atomic.Pointer[string]
}

func newStubGenerator(failIndex int) *stubGenerator {
	g := &stubGenerator{}
	g.failIndex.Store(int64(failIndex))
	return g
}

func (g *stubGenerator) GeneratePage(ctx context.Context, req task.PageRequest) ([]byte, error) {
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	outline := req.Outline
	g.lastOutline.Store(&outline)
	if int64(req.Page.Index) == g.failIndex.Load() {
		return nil, errors.New("model refused")
	}
	return []byte("image-" + req.Page.Content), nil
}

func setupRouter(t *testing.T, gen task.PageGenerator, slots int) (*gin.Engine, *task.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	testRouter := gin.New()
	testRouter.Use(ZerologLogger())
	testManager := task.NewManagerWithOptions(task.Options{
		DataDir:            t.TempDir(),
		MaxConcurrentTasks: slots,
		Generator:          gen,
	})
	apiHandler := NewAPI(testManager, Options{ReferenceMaxKB: 200, Settings: config.Default()})
	apiHandler.RegisterRoutes(testRouter)
	apiHandler.RegisterUIRoutes(testRouter)
	return testRouter, testManager
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func sseEventNames(t *testing.T, body string) []string {
	t.Helper()
	var names []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event:"); ok {
			names = append(names, strings.TrimSpace(name))
		}
	}
	return names
}

const threePages = `{"task_id":%q,"user_topic":"hiking","pages":[
	{"index":0,"type":"cover","content":"title"},
	{"index":1,"type":"content","content":"gear"},
	{"index":2,"type":"content","content":"trails"}]}`

func generateBody(taskID string) string {
	return fmt.Sprintf(threePages, taskID)
}

func TestHealth(t *testing.T) {
	testRouter, _ := setupRouter(t, newStubGenerator(-1), 1)
	w := doJSON(testRouter, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "ok" || resp["busy"] != false {
		t.Fatalf("unexpected health: %v", resp)
	}
}

func TestGenerateStreamsEvents(t *testing.T) {
	testRouter, _ := setupRouter(t, newStubGenerator(1), 2)

	w := doJSON(testRouter, http.MethodPost, "/api/generate", generateBody("trip"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Task-ID"); got != "trip" {
		t.Fatalf("expected task id header, got %q", got)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	want := []string{"progress", "complete", "progress", "progress", "page_failed", "progress", "complete", "finish"}
	if got := sseEventNames(t, w.Body.String()); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected event sequence:\n got %v\nwant %v", got, want)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"image_url":"/api/images/trip/0.png"`) {
		t.Fatalf("expected image url in page event, body: %s", body)
	}
	if !strings.Contains(body, `"failed_indices":[1]`) {
		t.Fatalf("expected failed indices in finish event, body: %s", body)
	}
}

func TestGenerateRejectsInvalidRequests(t *testing.T) {
	testRouter, _ := setupRouter(t, newStubGenerator(-1), 1)
	for name, body := range map[string]string{
		"no pages":       `{"pages":[]}`,
		"missing pages":  `{"user_topic":"x"}`,
		"unknown type":   `{"pages":[{"index":0,"type":"poster","content":"x"}]}`,
		"negative index": `{"pages":[{"index":-1,"type":"cover","content":"x"}]}`,
		"missing index":  `{"pages":[{"type":"cover","content":"x"}]}`,
		"duplicate":      `{"pages":[{"index":0,"type":"cover"},{"index":0,"type":"content"}]}`,
		"bad task id":    `{"task_id":"../x","pages":[{"index":0,"type":"cover"}]}`,
		"not json":       `{`,
	} {
		t.Run(name, func(t *testing.T) {
			w := doJSON(testRouter, http.MethodPost, "/api/generate", body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestGenerateDuplicateTaskID(t *testing.T) {
	testRouter, _ := setupRouter(t, newStubGenerator(-1), 2)
	if w := doJSON(testRouter, http.MethodPost, "/api/generate", generateBody("dup")); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := doJSON(testRouter, http.MethodPost, "/api/generate", generateBody("dup")); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestGenerateWithoutGenerator(t *testing.T) {
	testRouter, _ := setupRouter(t, nil, 1)
	if w := doJSON(testRouter, http.MethodPost, "/api/generate", generateBody("x")); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestServerBusyOnGenerate(t *testing.T) {
	gen := newStubGenerator(-1)
	gen.block = make(chan struct{})
	testRouter, testManager := setupRouter(t, gen, 1)

	firstDone := make(chan int)
	go func() {
		w := doJSON(testRouter, http.MethodPost, "/api/generate", generateBody("first"))
		firstDone <- w.Code
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !testManager.IsBusy() {
		if time.Now().After(deadline) {
			t.Fatalf("first task never took the slot")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if w := doJSON(testRouter, http.MethodPost, "/api/generate", generateBody("second")); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}

	close(gen.block)
	if code := <-firstDone; code != http.StatusOK {
		t.Fatalf("expected first stream to finish with 200, got %d", code)
	}
	if !testManager.WaitAll(context.Background()) {
		t.Fatalf("runs did not finish")
	}
}

func TestTaskStateAndCleanup(t *testing.T) {
	testRouter, _ := setupRouter(t, newStubGenerator(2), 1)
	doJSON(testRouter, http.MethodPost, "/api/generate", generateBody("state"))

	w := doJSON(testRouter, http.MethodGet, "/api/task/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap task.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Status != task.StatusFinished || !reflect.DeepEqual(snap.GeneratedIndices, []int{0, 1}) || !reflect.DeepEqual(snap.FailedIndices, []int{2}) {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	for i := 0; i < 2; i++ {
		if w := doJSON(testRouter, http.MethodDelete, "/api/task/state", ""); w.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", w.Code)
		}
	}
	if w := doJSON(testRouter, http.MethodGet, "/api/task/state", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after cleanup, got %d", w.Code)
	}
}

func TestRetryPromotesFailedPage(t *testing.T) {
	gen := newStubGenerator(1)
	testRouter, testManager := setupRouter(t, gen, 1)
	doJSON(testRouter, http.MethodPost, "/api/generate", generateBody("retry"))

	retryBody := `{"task_id":"retry","page":{"index":1,"type":"content","content":"gear v2"}}`
	w := doJSON(testRouter, http.MethodPost, "/api/retry", retryBody)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 while generator still fails, got %d", w.Code)
	}
	var failed map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &failed)
	if failed["success"] != false || failed["retryable"] != true {
		t.Fatalf("unexpected failed outcome: %v", failed)
	}

	gen.failIndex.Store(-1)
	w = doJSON(testRouter, http.MethodPost, "/api/regenerate", retryBody)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var ok map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &ok)
	if ok["filename"] != "1.png" || ok["image_url"] != "/api/images/retry/1.png" || ok["persisted"] != true {
		t.Fatalf("unexpected outcome: %v", ok)
	}

	snap, err := testManager.GetTaskState("retry")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if len(snap.Failed) != 0 || snap.Generated[1] != "1.png" {
		t.Fatalf("expected page promoted, got %+v", snap)
	}

	if w := doJSON(testRouter, http.MethodPost, "/api/retry", `{"task_id":"retry"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing page, got %d", w.Code)
	}
}

func TestRetryFailedReportsEachPage(t *testing.T) {
	gen := newStubGenerator(2)
	testRouter, _ := setupRouter(t, gen, 1)
	doJSON(testRouter, http.MethodPost, "/api/generate", generateBody("batch"))

	body := `{"task_id":"batch","pages":[{"index":1,"type":"content","content":"a"},{"index":2,"type":"content","content":"b"}]}`
	w := doJSON(testRouter, http.MethodPost, "/api/retry-failed", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp retryFailedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Success || resp.Total != 2 || resp.Completed != 1 || resp.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", resp)
	}
	if resp.Results[0].Index != 1 || !resp.Results[0].Success || resp.Results[1].Success {
		t.Fatalf("unexpected results: %+v", resp.Results)
	}
}

func TestGetImage(t *testing.T) {
	testRouter, _ := setupRouter(t, newStubGenerator(-1), 1)
	doJSON(testRouter, http.MethodPost, "/api/generate", generateBody("img"))

	for _, path := range []string{"/api/images/img/0.png", "/api/images/img/0.png?thumbnail=false"} {
		w := doJSON(testRouter, http.MethodGet, path, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
		if w.Body.String() != "image-title" {
			t.Fatalf("%s: unexpected body %q", path, w.Body.String())
		}
	}
	if w := doJSON(testRouter, http.MethodGet, "/api/images/img/9.png", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDownloadArchive(t *testing.T) {
	testRouter, _ := setupRouter(t, newStubGenerator(1), 1)
	doJSON(testRouter, http.MethodPost, "/api/generate", generateBody("zip"))

	w := doJSON(testRouter, http.MethodGet, "/api/task/zip/archive", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if !reflect.DeepEqual(names, []string{"page_1.png", "page_3.png"}) {
		t.Fatalf("unexpected entries %v", names)
	}
	if w := doJSON(testRouter, http.MethodGet, "/api/task/none/archive", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDecodeReferences(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte("ref-bytes"))
	got := decodeReferences([]string{"data:image/png;base64," + raw, "%%%not base64", raw}, 200)
	if len(got) != 2 {
		t.Fatalf("expected 2 decoded references, got %d", len(got))
	}
	for _, b := range got {
		if string(b) != "ref-bytes" {
			t.Fatalf("unexpected reference %q", b)
		}
	}
}

func TestUIPages(t *testing.T) {
	testRouter, _ := setupRouter(t, newStubGenerator(1), 1)
	doJSON(testRouter, http.MethodPost, "/api/generate", generateBody("ui"))

	w := doJSON(testRouter, http.MethodGet, "/", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Pagesmith") {
		t.Fatalf("unexpected home page: %d", w.Code)
	}
	w = doJSON(testRouter, http.MethodGet, "/ui/tasks/ui", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	page := w.Body.String()
	if !strings.Contains(page, "/api/images/ui/0.png") || !strings.Contains(page, "/ui/tasks/ui/retry") {
		t.Fatalf("expected generated image and retry form in page")
	}
	if w := doJSON(testRouter, http.MethodGet, "/ui/tasks/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestUIRetryKeepsOutline(t *testing.T) {
	gen := newStubGenerator(1)
	testRouter, testManager := setupRouter(t, gen, 1)
	body := `{"task_id":"form","user_topic":"hiking","full_outline":"1 cover\n2 gear","pages":[
		{"index":0,"type":"cover","content":"title"},
		{"index":1,"type":"content","content":"gear"}]}`
	doJSON(testRouter, http.MethodPost, "/api/generate", body)

	gen.failIndex.Store(-1)
	gen.lastOutline.Store(nil)
	form := url.Values{"index": {"1"}, "type": {"content"}, "content": {"gear"}}
	req := httptest.NewRequest(http.MethodPost, "/ui/tasks/form/retry", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	testRouter.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d: %s", w.Code, w.Body.String())
	}
	got := gen.lastOutline.Load()
	if got == nil || *got != "1 cover\n2 gear" {
		t.Fatalf("expected retry to carry the task outline, got %v", got)
	}
	snap, err := testManager.GetTaskState("form")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if snap.Outline != "1 cover\n2 gear" || len(snap.Failed) != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRequestTaskIDFromHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	testRouter := gin.New()
	var got string
	testRouter.GET("/stream", func(c *gin.Context) {
		c.Header("X-Task-ID", "from-header")
		c.Status(http.StatusOK)
		got = requestTaskID(c)
	})
	testRouter.GET("/api/task/:task_id", func(c *gin.Context) {
		got = requestTaskID(c)
	})

	doJSON(testRouter, http.MethodGet, "/stream", "")
	if got != "from-header" {
		t.Fatalf("expected header task id, got %q", got)
	}
	doJSON(testRouter, http.MethodGet, "/api/task/abc", "")
	if got != "abc" {
		t.Fatalf("expected route task id, got %q", got)
	}
}

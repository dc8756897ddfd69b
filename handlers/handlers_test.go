package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"fileconverter/converters"
	"fileconverter/jobs"
	"fileconverter/models"
	"fileconverter/queue"
	"fileconverter/ratelimit"
	"fileconverter/status"
	"fileconverter/storage"
)

type stubConverter struct{ name string }

func (c *stubConverter) Name() string { return c.name }
func (c *stubConverter) Convert(ctx context.Context, inputs []string, target, workDir string) ([]string, error) {
	return nil, nil
}

type fixture struct {
	server  *httptest.Server
	store   *status.Memory
	queue   *queue.Memory
	backend *storage.Local
}

func newFixture(t *testing.T, rateLimit int) *fixture {
	t.Helper()

	backend, err := storage.NewLocal(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	registry := converters.NewRegistry()
	conv := &stubConverter{name: "stub"}
	registry.Register(converters.KindImage, []string{"jpg", "jpeg", "png", "webp", "pdf"}, conv)
	registry.Register(converters.KindPDF, []string{"jpg", "png", "docx"}, conv)
	registry.Register(converters.KindDocument, []string{"pdf"}, conv)

	store := status.NewMemory()
	q := queue.NewMemory(16)
	svc := jobs.NewService(registry, ratelimit.NewMemoryLimiter(rateLimit), store, q, backend, 10, 1<<20)

	h := NewHandler(svc, q, backend,
		func(ctx context.Context) error { return nil },
		2,
		func() int64 { return 0 },
	)
	server := httptest.NewServer(Routes(h, rate.NewLimiter(rate.Inf, 1)))
	t.Cleanup(server.Close)

	return &fixture{server: server, store: store, queue: q, backend: backend}
}

// postConvert submits files as the given client and returns the response.
func (f *fixture) postConvert(t *testing.T, apiKey, target string, files map[string]string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, body := range files {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		io.WriteString(fw, body)
	}
	mw.WriteField("target_format", target)
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/convert", &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-API-Key", apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /convert: %v", err)
	}
	return resp
}

func (f *fixture) do(t *testing.T, method, path, apiKey string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("X-API-Key", apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (f *fixture) submit(t *testing.T, apiKey string) string {
	t.Helper()
	resp := f.postConvert(t, apiKey, "png", map[string]string{"photo.jpg": "bytes"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /convert = %d", resp.StatusCode)
	}
	var body struct {
		TaskID string `json:"task_id"`
	}
	decode(t, resp, &body)
	return body.TaskID
}

// complete drives a queued job through the store to Succeeded, storing a
// result object the download handler can stream.
func (f *fixture) complete(t *testing.T, taskID, filename, content string) {
	t.Helper()
	ctx := context.Background()

	obj, err := f.backend.Put(ctx, strings.NewReader(content), filename)
	if err != nil {
		t.Fatalf("Put result: %v", err)
	}
	if _, err := f.store.StartRunning(ctx, taskID); err != nil {
		t.Fatalf("StartRunning: %v", err)
	}
	err = f.store.Complete(ctx, taskID, models.Output{
		Type:       models.OutputSingle,
		Key:        obj.Key,
		Filename:   obj.OriginalName,
		FilesCount: 1,
		SizeBytes:  obj.SizeBytes,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestConvertAcceptedAndImmediatelyPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 50)
	resp := f.postConvert(t, "client", "pdf", map[string]string{
		"a.jpg": "x", "b.png": "y", "c.webp": "z",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /convert = %d", resp.StatusCode)
	}

	var body struct {
		Status       string `json:"status"`
		TaskID       string `json:"task_id"`
		FilesCount   int    `json:"files_count"`
		TargetFormat string `json:"target_format"`
	}
	decode(t, resp, &body)
	if body.Status != "queued" || body.TaskID == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.FilesCount != 3 || body.TargetFormat != "pdf" {
		t.Errorf("unexpected body: %+v", body)
	}

	// Status must read PENDING right away, before any worker runs.
	statusResp := f.do(t, http.MethodGet, "/status/"+body.TaskID, "client")
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("GET /status = %d", statusResp.StatusCode)
	}
	var st struct {
		Status string `json:"status"`
	}
	decode(t, statusResp, &st)
	if st.Status != models.ExternalPending {
		t.Errorf("status = %q, want %q", st.Status, models.ExternalPending)
	}
}

func TestConvertRejectsUnsupportedPair(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 50)
	resp := f.postConvert(t, "client", "docx", map[string]string{"a.jpg": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body apiError
	decode(t, resp, &body)
	if body.Code != string(models.CodeUnsupportedConversion) {
		t.Errorf("code = %s", body.Code)
	}
}

func TestConvertRateLimited(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	first := f.postConvert(t, "heavy", "png", map[string]string{"a.jpg": "x"})
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit = %d", first.StatusCode)
	}

	second := f.postConvert(t, "heavy", "png", map[string]string{"a.jpg": "x"})
	defer second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second submit = %d, want 429", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After")
	}

	// The denied request must not have created a job.
	jobsList, _ := f.store.List(context.Background())
	if len(jobsList) != 1 {
		t.Errorf("denied submission created a job record: %d records", len(jobsList))
	}
}

func TestStatusAndDownloadAfterSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 50)
	taskID := f.submit(t, "client")
	f.complete(t, taskID, "photo.png", "png-bytes")

	statusResp := f.do(t, http.MethodGet, "/status/"+taskID, "client")
	var st statusResponse
	decode(t, statusResp, &st)
	if st.Status != models.ExternalSuccess {
		t.Fatalf("status = %q", st.Status)
	}
	if st.Result == nil || st.Result.FilesCount != 1 {
		t.Fatalf("result missing: %+v", st.Result)
	}
	if st.DownloadURL != "/download/"+taskID {
		t.Errorf("download_url = %q", st.DownloadURL)
	}
	if st.Error != nil {
		t.Errorf("succeeded job carries an error: %+v", st.Error)
	}

	dl := f.do(t, http.MethodGet, "/download/"+taskID, "client")
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("GET /download = %d", dl.StatusCode)
	}
	if ct := dl.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	if cd := dl.Header.Get("Content-Disposition"); !strings.Contains(cd, "photo.png") {
		t.Errorf("content disposition = %q", cd)
	}
	got, _ := io.ReadAll(dl.Body)
	if string(got) != "png-bytes" {
		t.Errorf("body = %q", got)
	}
}

func TestStatusReportsFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 50)
	taskID := f.submit(t, "client")
	ctx := context.Background()
	f.store.StartRunning(ctx, taskID)
	f.store.Fail(ctx, taskID, *models.NewJobError(models.CodeToolFailure, "convert crashed"))

	resp := f.do(t, http.MethodGet, "/status/"+taskID, "client")
	var st statusResponse
	decode(t, resp, &st)
	if st.Status != models.ExternalFailure {
		t.Fatalf("status = %q", st.Status)
	}
	if st.Error == nil || st.Error.Code != models.CodeToolFailure {
		t.Errorf("error = %+v", st.Error)
	}
	if st.Result != nil {
		t.Errorf("failed job carries a result: %+v", st.Result)
	}
}

func TestOwnershipAndUnknownTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 50)
	taskID := f.submit(t, "owner")

	foreign := f.do(t, http.MethodGet, "/status/"+taskID, "intruder")
	foreign.Body.Close()
	if foreign.StatusCode != http.StatusForbidden {
		t.Errorf("foreign status = %d, want 403", foreign.StatusCode)
	}

	unknown := f.do(t, http.MethodGet, "/status/no-such-task", "owner")
	unknown.Body.Close()
	if unknown.StatusCode != http.StatusNotFound {
		t.Errorf("unknown status = %d, want 404", unknown.StatusCode)
	}
}

func TestExpiredTaskIsGoneNotMissing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 50)
	taskID := f.submit(t, "client")
	f.complete(t, taskID, "photo.png", "png-bytes")
	if err := f.store.Expire(context.Background(), taskID); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	statusResp := f.do(t, http.MethodGet, "/status/"+taskID, "client")
	statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusGone {
		t.Errorf("expired status = %d, want 410", statusResp.StatusCode)
	}

	dl := f.do(t, http.MethodGet, "/download/"+taskID, "client")
	dl.Body.Close()
	if dl.StatusCode != http.StatusGone {
		t.Errorf("expired download = %d, want 410", dl.StatusCode)
	}
}

func TestDownloadBeforeCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 50)
	taskID := f.submit(t, "client")

	resp := f.do(t, http.MethodGet, "/download/"+taskID, "client")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("download of queued task = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 50)
	taskID := f.submit(t, "client")

	// In-progress tasks refuse deletion.
	busy := f.do(t, http.MethodDelete, "/jobs/"+taskID, "client")
	busy.Body.Close()
	if busy.StatusCode != http.StatusConflict {
		t.Fatalf("delete of queued task = %d, want 409", busy.StatusCode)
	}

	f.complete(t, taskID, "photo.png", "png-bytes")

	deleted := f.do(t, http.MethodDelete, "/jobs/"+taskID, "client")
	deleted.Body.Close()
	if deleted.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d, want 204", deleted.StatusCode)
	}

	gone := f.do(t, http.MethodGet, "/status/"+taskID, "client")
	gone.Body.Close()
	if gone.StatusCode != http.StatusNotFound {
		t.Errorf("deleted task status = %d, want 404", gone.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 50)
	resp := f.do(t, http.MethodGet, "/health", "client")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health = %d", resp.StatusCode)
	}
	var body healthResponse
	decode(t, resp, &body)
	if body.Status != "healthy" || body.Redis != "connected" {
		t.Errorf("unexpected health: %+v", body)
	}
	if body.Workers != 2 {
		t.Errorf("workers = %d, want 2", body.Workers)
	}
}

func TestGlobalThrottle(t *testing.T) {
	t.Parallel()

	// A zero-rate limiter rejects everything.
	srv := httptest.NewServer(GlobalThrottle(rate.NewLimiter(0, 0))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("throttled request = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
}

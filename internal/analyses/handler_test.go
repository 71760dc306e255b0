package analyses

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/gin-gonic/gin"

	"bikefit-backend/internal/shared/server/middleware"
	local "bikefit-backend/internal/shared/storage/object/local"
)

type handlerFixture struct {
	router     *gin.Engine
	ledger     *MemoryRepo
	dispatcher *recordingDispatcher
	svc        *Service
}

func setupAnalysisRouter(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := local.New(t.TempDir(), "", []byte("test-secret"), 0)
	ledger := NewMemoryRepo()
	dispatcher := &recordingDispatcher{log: &callLog{}}
	svc := &Service{Ledger: ledger, Store: store, Dispatcher: dispatcher}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.GET(local.RoutePrefix+"*key", store.Handler())
	api := router.Group("/api/v1")
	api.Use(middleware.Auth(nil))
	NewHandler(svc).RegisterRoutes(api)

	return &handlerFixture{router: router, ledger: ledger, dispatcher: dispatcher, svc: svc}
}

func multipartUpload(t *testing.T, fields map[string]string, fileName string, video []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if video != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="video"; filename="`+fileName+`"`)
		h.Set("Content-Type", "video/mp4")
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(video); err != nil {
			t.Fatalf("write video: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &body, w.FormDataContentType()
}

func (f *handlerFixture) do(req *http.Request, guest string) *httptest.ResponseRecorder {
	if guest != "" {
		req.Header.Set("X-Guest-Id", guest)
	}
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	return resp
}

func TestSubmitVideoReturnsCreated(t *testing.T) {
	f := setupAnalysisRouter(t)
	video := bytes.Repeat([]byte("r"), 10*1024)
	body, contentType := multipartUpload(t, map[string]string{"height": "180", "weight": "75", "sportType": "road"}, "ride.mp4", video)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", body)
	req.Header.Set("Content-Type", contentType)
	resp := f.do(req, "rider-1")

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var created submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.AnalysisID == "" || created.VideoURL == "" || created.Message != msgSubmitted {
		t.Fatalf("unexpected body: %+v", created)
	}
	if got := resp.Header().Get("Location"); got != "/api/v1/analyses/"+created.AnalysisID {
		t.Fatalf("unexpected Location %q", got)
	}

	record, err := f.ledger.GetByID(context.Background(), created.AnalysisID)
	if err != nil {
		t.Fatalf("record lookup: %v", err)
	}
	if record.Status != StatusPending || record.OwnerID != "guest:rider-1" || record.Intake.Weight != "75" {
		t.Fatalf("unexpected record: %+v", record)
	}

	fetch := f.do(httptest.NewRequest(http.MethodGet, created.VideoURL, nil), "")
	if fetch.Code != http.StatusOK {
		t.Fatalf("signed url fetch returned %d", fetch.Code)
	}
	if !bytes.Equal(fetch.Body.Bytes(), video) {
		t.Fatalf("signed url did not return the original bytes")
	}
}

func TestSubmitWithoutVideoReturnsBadRequest(t *testing.T) {
	f := setupAnalysisRouter(t)
	body, contentType := multipartUpload(t, map[string]string{"height": "180"}, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", body)
	req.Header.Set("Content-Type", contentType)
	resp := f.do(req, "rider-1")

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["message"] != "No video file provided" {
		t.Fatalf("unexpected message: %v", payload["message"])
	}
	if _, ok := payload["error"]; ok {
		t.Fatalf("client errors must not carry an error field: %v", payload)
	}
	list, _ := f.ledger.ListByOwner(context.Background(), "guest:rider-1", 10, 0)
	if len(list) != 0 || len(f.dispatcher.jobs) != 0 {
		t.Fatalf("no record or dispatch expected, got %d records", len(list))
	}
}

func TestSubmitNonMultipartReturnsBadRequest(t *testing.T) {
	f := setupAnalysisRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", bytes.NewBufferString(`{"height":"180"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := f.do(req, "rider-1")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestSubmitTooLargeReturnsBadRequest(t *testing.T) {
	f := setupAnalysisRouter(t)
	f.svc.MaxUploadBytes = 16
	body, contentType := multipartUpload(t, nil, "ride.mp4", bytes.Repeat([]byte("x"), 64))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", body)
	req.Header.Set("Content-Type", contentType)
	resp := f.do(req, "rider-1")
	if resp.Code != http.StatusBadRequest || !bytes.Contains(resp.Body.Bytes(), []byte(msgVideoTooLarge)) {
		t.Fatalf("expected 400 too large, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestSubmitDispatchFailureReturnsServerError(t *testing.T) {
	f := setupAnalysisRouter(t)
	f.dispatcher.err = context.DeadlineExceeded
	body, contentType := multipartUpload(t, nil, "ride.mp4", []byte("video"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", body)
	req.Header.Set("Content-Type", contentType)
	resp := f.do(req, "rider-1")

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Message == "" || payload.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("unexpected 500 body: %+v", payload)
	}
}

func TestGetAnalysisScopedAndRateLimited(t *testing.T) {
	f := setupAnalysisRouter(t)
	body, contentType := multipartUpload(t, nil, "ride.mp4", []byte("video"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", body)
	req.Header.Set("Content-Type", contentType)
	resp := f.do(req, "rider-1")
	var created submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	get := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/analyses/"+created.AnalysisID, nil), "rider-1")
	if get.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", get.Code)
	}
	var analysis Analysis
	if err := json.Unmarshal(get.Body.Bytes(), &analysis); err != nil {
		t.Fatalf("decode analysis: %v", err)
	}
	if analysis.Status != StatusPending {
		t.Fatalf("expected pending, got %s", analysis.Status)
	}

	again := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/analyses/"+created.AnalysisID, nil), "rider-1")
	if again.Code != http.StatusTooManyRequests || again.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", again.Code)
	}

	other := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/analyses/"+created.AnalysisID, nil), "rider-2")
	if other.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other owner, got %d", other.Code)
	}
}

func TestListAnalysesNewestFirst(t *testing.T) {
	f := setupAnalysisRouter(t)
	for i := 0; i < 3; i++ {
		body, contentType := multipartUpload(t, map[string]string{"sportType": "tt"}, "ride.mp4", []byte("video"))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", body)
		req.Header.Set("Content-Type", contentType)
		if resp := f.do(req, "rider-1"); resp.Code != http.StatusCreated {
			t.Fatalf("submit %d: %d", i, resp.Code)
		}
	}

	resp := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/analyses?limit=2", nil), "rider-1")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var items []map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 2 || items[0]["sportType"] != "tt" || items[0]["status"] != string(StatusPending) {
		t.Fatalf("unexpected list: %+v", items)
	}
}

func TestReserveUploadNotSupportedByLocalStore(t *testing.T) {
	f := setupAnalysisRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses/uploads", bytes.NewBufferString(`{"fileName":"ride.mp4","contentType":"video/mp4","sizeBytes":10}`))
	req.Header.Set("Content-Type", "application/json")
	resp := f.do(req, "rider-1")
	if resp.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", resp.Code)
	}
}

func TestRequiresIdentity(t *testing.T) {
	f := setupAnalysisRouter(t)
	resp := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/analyses", nil), "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

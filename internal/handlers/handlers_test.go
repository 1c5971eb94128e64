package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-similarity/internal/envelope"
	"github.com/example/face-similarity/internal/fetcher"
	"github.com/example/face-similarity/internal/pipeline"
	"github.com/example/face-similarity/internal/similarity"
	"github.com/example/face-similarity/internal/usecase"
)

type stubAnalyzer struct {
	faces      int
	countCalls int
	gotReq     pipeline.AnalysisRequest
}

func (s *stubAnalyzer) Classify(ctx context.Context, req pipeline.AnalysisRequest) (*pipeline.Analysis, error) {
	s.gotReq = req
	if len(req.People) == 0 {
		return nil, pipeline.ErrNoUsablePeople
	}
	targets := make([]similarity.TargetResult, len(req.TargetImages))
	for i, url := range req.TargetImages {
		targets[i] = similarity.TargetResult{ImageURL: url, Similarities: map[int64]float64{req.People[0].ID: 0.7}, FaceCount: 1}
	}
	return &pipeline.Analysis{Targets: targets, UsablePeople: len(req.People)}, nil
}

func (s *stubAnalyzer) CountFaces(ctx context.Context, name string, raw []byte) (int, error) {
	s.countCalls++
	return s.faces, nil
}

func newRouter(analyzer *stubAnalyzer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	uc := usecase.NewClassificationUseCase(analyzer, nil, nil, time.Minute, zap.NewNop())
	RegisterRoutes(router, uc)
	return router
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) envelope.Envelope[T] {
	t.Helper()
	if resp.Code != http.StatusOK {
		t.Fatalf("expected transport status 200, got %d", resp.Code)
	}
	var env envelope.Envelope[T]
	if err := json.Unmarshal(resp.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid envelope %q: %v", resp.Body.String(), err)
	}
	return env
}

func TestClassificationSuccess(t *testing.T) {
	analyzer := &stubAnalyzer{}
	router := newRouter(analyzer)

	body := `{"targetImages":["http://img/b.jpg","http://img/c.jpg"],"people":[{"id":4,"photoUrl":"http://img/a.jpg"}]}`
	req := httptest.NewRequest(http.MethodPost, "/face-recognition/classification", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	env := decode[[]similarity.TargetResult](t, resp)
	if env.StatusCode != http.StatusOK || env.Data == nil {
		t.Fatalf("expected success envelope, got %+v", env)
	}
	data := *env.Data
	if len(data) != 2 || data[0].ImageURL != "http://img/b.jpg" || data[1].Similarities[4] != 0.7 {
		t.Fatalf("unexpected data: %+v", data)
	}
	if resp.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
	if analyzer.gotReq.People[0].PhotoURL != "http://img/a.jpg" {
		t.Fatalf("request not bound: %+v", analyzer.gotReq)
	}
}

func TestClassificationRejectsInvalidBody(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"targetImages":`,
		"missing people": `{"targetImages":["http://img/b.jpg"]}`,
		"missing photo":  `{"targetImages":[],"people":[{"id":1}]}`,
		"missing id":     `{"targetImages":[],"people":[{"photoUrl":"http://img/a.jpg"}]}`,
		"null id":        `{"targetImages":[],"people":[{"id":null,"photoUrl":"http://img/a.jpg"}]}`,
		"wrong type":     `{"targetImages":"http://img/b.jpg","people":[]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			router := newRouter(&stubAnalyzer{})
			req := httptest.NewRequest(http.MethodPost, "/face-recognition/classification", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)

			env := decode[[]similarity.TargetResult](t, resp)
			if env.StatusCode != http.StatusBadRequest || env.Data != nil {
				t.Fatalf("expected 400 envelope without data, got %+v", env)
			}
		})
	}
}

func TestClassificationWithoutPeopleIsBadRequest(t *testing.T) {
	router := newRouter(&stubAnalyzer{})

	req := httptest.NewRequest(http.MethodPost, "/face-recognition/classification", strings.NewReader(`{"targetImages":[],"people":[]}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	env := decode[[]similarity.TargetResult](t, resp)
	if env.StatusCode != http.StatusBadRequest || env.Message != string(pipeline.ErrNoUsablePeople) {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if !strings.Contains(resp.Body.String(), `"data":null`) {
		t.Fatalf("expected explicit null data, got %s", resp.Body.String())
	}
}

func TestFaceCountSuccess(t *testing.T) {
	analyzer := &stubAnalyzer{faces: 2}
	router := newRouter(analyzer)

	body, contentType := buildMultipartBody(t, "group.jpg", []byte("jpeg-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/face-recognition/face-count", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	env := decode[usecase.FaceCount](t, resp)
	if env.StatusCode != http.StatusOK || env.Data == nil || env.Data.FaceCount != 2 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestFaceCountRejectsLargeUpload(t *testing.T) {
	for name, size := range map[string]int{
		"just over the limit": fetcher.MaxUploadSize + 1,
		"over the body limit": MaxRequestBody + 1,
	} {
		t.Run(name, func(t *testing.T) {
			analyzer := &stubAnalyzer{faces: 1}
			router := newRouter(analyzer)

			body, contentType := buildMultipartBody(t, "big.jpg", bytes.Repeat([]byte("a"), size))
			req := httptest.NewRequest(http.MethodPost, "/face-recognition/face-count", body)
			req.Header.Set("Content-Type", contentType)
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)

			env := decode[usecase.FaceCount](t, resp)
			if env.StatusCode != http.StatusBadRequest || env.Data != nil {
				t.Fatalf("expected 400 envelope, got %+v", env)
			}
			if analyzer.countCalls != 0 {
				t.Fatalf("oversize upload must not be analysed, got %d calls", analyzer.countCalls)
			}
		})
	}
}

func TestFaceCountRejectsUnsupportedExtension(t *testing.T) {
	analyzer := &stubAnalyzer{faces: 1}
	router := newRouter(analyzer)

	body, contentType := buildMultipartBody(t, "notes.txt", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/face-recognition/face-count", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	env := decode[usecase.FaceCount](t, resp)
	if env.StatusCode != http.StatusBadRequest || !strings.HasPrefix(env.Message, string(fetcher.ErrUnsupportedExtension)) {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if analyzer.countCalls != 0 {
		t.Fatalf("rejected upload must not be analysed")
	}
}

func TestFaceCountRequiresFile(t *testing.T) {
	router := newRouter(&stubAnalyzer{})

	req := httptest.NewRequest(http.MethodPost, "/face-recognition/face-count", strings.NewReader(""))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	env := decode[usecase.FaceCount](t, resp)
	if env.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 envelope, got %+v", env)
	}
}

func TestResultWithoutCacheIsInternalError(t *testing.T) {
	router := newRouter(&stubAnalyzer{})

	req := httptest.NewRequest(http.MethodGet, "/face-recognition/result/abc", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	env := decode[[]similarity.TargetResult](t, resp)
	if env.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 envelope, got %+v", env)
	}
}

func TestHealthAndRedirect(t *testing.T) {
	router := newRouter(&stubAnalyzer{})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	if resp.Code != http.StatusTemporaryRedirect || resp.Header().Get("Location") != "/health" {
		t.Fatalf("expected redirect to /health, got %d %q", resp.Code, resp.Header().Get("Location"))
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := WithCORS(newRouter(&stubAnalyzer{}))

	req := httptest.NewRequest(http.MethodOptions, "/face-recognition/classification", nil)
	req.Header.Set("Origin", "http://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard origin, got %q", got)
	}
}

func TestRequestLoggerPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestLogger(zap.NewNop()))
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusTeapot, "pong") })

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/ping", nil))
	body, _ := io.ReadAll(resp.Body)
	if resp.Code != http.StatusTeapot || string(body) != "pong" {
		t.Fatalf("unexpected response %d %q", resp.Code, body)
	}
}

func buildMultipartBody(t *testing.T, filename string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", "application/octet-stream")

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-similarity/internal/envelope"
	"github.com/example/face-similarity/internal/handlers"
	"github.com/example/face-similarity/internal/pipeline"
	"github.com/example/face-similarity/internal/similarity"
	"github.com/example/face-similarity/internal/usecase"
)

// slowService holds every classification until release is closed.
type slowService struct {
	started     chan struct{}
	release     chan struct{}
	startedOnce sync.Once
}

func (s *slowService) Classify(ctx context.Context, req pipeline.AnalysisRequest) (string, usecase.ClassificationReply) {
	s.startedOnce.Do(func() { close(s.started) })
	<-s.release

	results := make([]similarity.TargetResult, 0, len(req.TargetImages))
	for _, url := range req.TargetImages {
		results = append(results, similarity.TargetResult{
			ImageURL:     url,
			Similarities: map[int64]float64{req.People[0].ID: 0.8},
			FaceCount:    1,
		})
	}
	return "req-shutdown", envelope.OK("face similarity analysis completed", results)
}

func (s *slowService) CountFaces(ctx context.Context, filename string, r io.Reader, size int64) (string, usecase.FaceCountReply) {
	return "", envelope.OK("face count completed", usecase.FaceCount{})
}

func (s *slowService) GetResult(ctx context.Context, requestID string) ([]similarity.TargetResult, error) {
	return nil, errors.New("not implemented")
}

func (s *slowService) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	return nil, errors.New("not implemented")
}

func TestServerGracefulShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	svc := &slowService{started: make(chan struct{}), release: make(chan struct{})}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(svc.release) }) }
	defer release()

	router := gin.New()
	router.Use(handlers.RequestLogger(logger), gin.Recovery())
	handlers.RegisterRoutes(router, svc)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: handlers.WithCORS(router)}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	waitForServer(t, addr)

	body := `{"targetImages":["http://img/b.jpg","http://img/c.jpg"],"people":[{"id":1,"photoUrl":"http://img/a.jpg"}]}`
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/face-recognition/classification", strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://dashboard.local")

	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Do(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-svc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("classification did not start in time")
	}

	signalCh <- syscall.SIGTERM
	time.Sleep(50 * time.Millisecond)
	release()

	select {
	case resp := <-respCh:
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected transport status: %d", resp.StatusCode)
		}
		if got := resp.Header.Get(handlers.RequestIDHeader); got != "req-shutdown" {
			t.Fatalf("request id header = %q", got)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
			t.Fatalf("allow origin header = %q", got)
		}
		var reply usecase.ClassificationReply
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			t.Fatalf("failed to decode envelope: %v", err)
		}
		if reply.StatusCode != http.StatusOK || reply.Data == nil || len(*reply.Data) != 2 {
			t.Fatalf("unexpected envelope: %+v", reply)
		}
		if (*reply.Data)[1].ImageURL != "http://img/c.jpg" {
			t.Fatalf("results out of order: %+v", *reply.Data)
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}

package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/face-similarity/internal/envelope"
	"github.com/example/face-similarity/internal/fetcher"
	"github.com/example/face-similarity/internal/pipeline"
	"github.com/example/face-similarity/internal/similarity"
	"github.com/example/face-similarity/internal/usecase"
)

// RequestIDHeader carries the id under which a request was audited and cached.
const RequestIDHeader = "X-Request-ID"

// uploadSlack leaves room for multipart framing around a maximum-size file.
const uploadSlack = 1 << 20

// MaxRequestBody is the largest face-count request body read from the wire.
const MaxRequestBody = fetcher.MaxUploadSize + uploadSlack

// Service is the use case surface the handlers depend on.
type Service interface {
	Classify(ctx context.Context, req pipeline.AnalysisRequest) (string, usecase.ClassificationReply)
	CountFaces(ctx context.Context, filename string, r io.Reader, size int64) (string, usecase.FaceCountReply)
	GetResult(ctx context.Context, requestID string) ([]similarity.TargetResult, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Every reply is an
// envelope sent with transport status 200; the semantic status is inside it.
func RegisterRoutes(router *gin.Engine, svc Service) {
	router.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusTemporaryRedirect, "/health")
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	group := router.Group("/face-recognition")

	group.POST("/classification", func(c *gin.Context) {
		var req pipeline.AnalysisRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, envelope.Fail[[]similarity.TargetResult](http.StatusBadRequest, "invalid request body: "+err.Error()))
			return
		}

		requestID, reply := svc.Classify(c.Request.Context(), req)
		c.Header(RequestIDHeader, requestID)
		c.JSON(http.StatusOK, reply)
	})

	group.POST("/face-count", func(c *gin.Context) {
		if c.Request.ContentLength > MaxRequestBody {
			c.JSON(http.StatusOK, envelope.FromError[usecase.FaceCount]("face count", fetcher.ErrUploadTooLarge))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBody)

		file, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusOK, envelope.FromError[usecase.FaceCount]("face count", fetcher.ErrUploadTooLarge))
				return
			}
			c.JSON(http.StatusOK, envelope.Fail[usecase.FaceCount](http.StatusBadRequest, "file is required"))
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusOK, envelope.FromError[usecase.FaceCount]("face count", err))
			return
		}
		defer src.Close()

		requestID, reply := svc.CountFaces(c.Request.Context(), file.Filename, src, file.Size)
		c.Header(RequestIDHeader, requestID)
		c.JSON(http.StatusOK, reply)
	})

	group.GET("/result/:id", func(c *gin.Context) {
		targets, err := svc.GetResult(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusOK, envelope.FromError[[]similarity.TargetResult]("result lookup", err))
			return
		}
		c.JSON(http.StatusOK, envelope.OK("result found", targets))
	})

	group.GET("/metrics", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusOK, envelope.FromError[usecase.MetricsSummary]("metrics summary", err))
			return
		}
		c.JSON(http.StatusOK, envelope.OK("metrics summary", *summary))
	})
}

package server

import (
	_ "embed"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/fmueller/tsscribe/internal/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const uploadField = "files"

//go:embed form.html
var formHTML []byte

type uploadResponse struct {
	Message string `json:"message"`
	*pipeline.Report
}

func (s *Server) handleForm(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", formHTML)
}

func (s *Server) handleUpload(c *gin.Context) {
	if s.opts.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)
	}

	var headers []*multipart.FileHeader
	form, err := c.MultipartForm()
	switch {
	case err == nil:
		headers = form.File[uploadField]
		defer func() { _ = form.RemoveAll() }()
	case errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingBoundary):
		// No multipart body means no files were selected.
	case isBodyTooLarge(err):
		_ = c.Error(err)
		c.String(http.StatusRequestEntityTooLarge, "Upload exceeds the %d MB limit", s.opts.MaxUploadBytes>>20)
		return
	default:
		_ = c.Error(err)
		c.String(http.StatusBadRequest, "Malformed upload: %v", err)
		return
	}

	uploads := lo.Map(headers, func(fh *multipart.FileHeader, _ int) pipeline.Upload {
		return pipeline.Upload{
			Name: fh.Filename,
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		}
	})

	// Batch outcomes are always answered with 200; the summary or the JSON
	// report tells the client what happened to each file.
	report := s.processor.ProcessBatch(c.Request.Context(), uploads)
	if report.NoFiles || report.Aborted || len(report.Failures()) > 0 {
		s.logger.Warn("upload batch did not complete",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Any("counts", report.Counts()),
			zap.String("summary", report.Summary()))
	}

	switch c.NegotiateFormat(gin.MIMEPlain, gin.MIMEJSON) {
	case gin.MIMEJSON:
		c.JSON(http.StatusOK, uploadResponse{Message: report.Summary(), Report: report})
	default:
		c.String(http.StatusOK, "%s", report.Summary())
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"version":    s.opts.Version.Version,
		"commit":     s.opts.Version.Commit,
		"output_dir": s.processor.OutputDir(),
	})
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

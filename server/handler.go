package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// maxBodyBytes bounds a /generate request body
const maxBodyBytes = 1 << 20

type generateResponse struct {
	Response string `json:"response"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Parallel int64  `json:"parallel"`
	Model    any    `json:"model,omitempty"`
}

func (s *Server) index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexPage)
}

// promptFromBody extracts the "prompt" field. A missing field, a non-string
// value, malformed JSON or a non-object body all yield the empty prompt.
func promptFromBody(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	prompt, _ := payload["prompt"].(string)
	return prompt
}

func (s *Server) generate(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logutil.GetLogger(ctx).With(zap.String("request_id", c.GetString(requestIDKey)))

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn("request body too large", zap.Int64("limit", tooLarge.Limit))
			c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		logger.Warn("read request body failed", zap.Error(err))
	}
	prompt := promptFromBody(body)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		logger.Warn("request cancelled while waiting for a generation slot", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "request cancelled"})
		return
	}
	defer s.sem.Release(1)

	start := time.Now()
	text, err := s.gen.Generate(ctx, prompt)
	if err != nil {
		logger.Error("generation failed", zap.Int("prompt_chars", len(prompt)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "generation failed"})
		return
	}
	logger.Info("generation done",
		zap.Int("prompt_chars", len(prompt)),
		zap.Int("response_chars", len(text)),
		zap.Duration("cost", time.Since(start)),
	)
	c.JSON(http.StatusOK, generateResponse{Response: text})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Parallel: s.parallel,
		Model:    s.info,
	})
}

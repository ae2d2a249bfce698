// internal/api/proxy_handlers.go
package api

import (
	"bytes"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Corphon/StoryWeaver/internal/config"
	"github.com/Corphon/StoryWeaver/internal/imaging"
)

const (
	proxyMaxAttempts   = 3
	proxyRetryInterval = time.Second
)

// errProxyFailFast marks a non-retryable upstream client error whose status
// and body are passed through to the caller.
var errProxyFailFast = goerrors.New("upstream client error")

// ProxyHandler forwards requests to the text and image collaborators. The
// text proxy propagates the upstream response verbatim; the image proxy
// retries transient failures with a fixed backoff and fails fast on other
// client errors.
type ProxyHandler struct {
	cfg         *config.Config
	textClient  *http.Client
	imageClient *http.Client
	Response    *ResponseHelper
}

// NewProxyHandler creates the collaborator proxy.
func NewProxyHandler(cfg *config.Config) *ProxyHandler {
	return &ProxyHandler{
		cfg:         cfg,
		textClient:  &http.Client{Timeout: 120 * time.Second},
		imageClient: &http.Client{Timeout: 180 * time.Second},
		Response:    NewResponseHelper(),
	}
}

// TextProxy forwards the request body to the text endpoint unchanged and
// propagates the upstream response, success or failure, without retrying.
func (p *ProxyHandler) TextProxy(c *gin.Context) {
	if p.cfg.TextEndpoint == "" || p.cfg.TextAPIKey == "" {
		p.Response.Error(c, http.StatusInternalServerError, ErrorProxyMisconfig,
			"Server misconfiguration: missing text API credentials")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		p.Response.BadRequest(c, "failed to read request body", err.Error())
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, p.cfg.TextEndpoint, bytes.NewReader(body))
	if err != nil {
		p.Response.InternalError(c, "failed to build upstream request", err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", p.cfg.TextAPIKey)

	resp, err := p.textClient.Do(req)
	if err != nil {
		logrus.WithError(err).Error("text proxy transport failure")
		p.Response.Error(c, http.StatusInternalServerError, ErrorTransportFailure,
			"Internal server error: "+err.Error())
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		p.Response.Error(c, http.StatusInternalServerError, ErrorTransportFailure,
			"failed to read upstream response", err.Error())
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logrus.WithField("status", resp.StatusCode).Error("text proxy upstream error")
		c.Data(resp.StatusCode, "text/plain; charset=utf-8",
			[]byte(fmt.Sprintf("Upstream Error (%d): %s", resp.StatusCode, respBody)))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(http.StatusOK, contentType, respBody)
}

// ImageProxyRequest is the image proxy input.
type ImageProxyRequest struct {
	Mode   string `json:"mode"`
	Prompt string `json:"prompt" binding:"required"`
	Image  string `json:"image,omitempty"`
}

// ImageProxy forwards an image request with bounded retry: transient
// failures (transport errors, 5xx, 429) are retried up to three attempts a
// second apart; other 4xx responses pass through immediately.
func (p *ProxyHandler) ImageProxy(c *gin.Context) {
	if p.cfg.ImageAPIKey == "" || p.cfg.ImageGenEndpoint == "" || p.cfg.ImageEditEndpoint == "" {
		p.Response.Error(c, http.StatusInternalServerError, ErrorProxyMisconfig,
			"Server misconfiguration: missing image API credentials")
		return
	}

	var req ImageProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		p.Response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	endpoint := p.cfg.ImageGenEndpoint
	payload := map[string]interface{}{
		"prompt":          req.Prompt,
		"width":           1024,
		"height":          1024,
		"steps":           25,
		"response_format": "b64_json",
	}

	if req.Mode == "edit" && req.Image != "" {
		endpoint = p.cfg.ImageEditEndpoint
		payload["image"] = imaging.StripDataURI(req.Image)
		payload["strength"] = 0.75
	} else {
		payload["strength"] = 1.0
	}

	body, err := json.Marshal(payload)
	if err != nil {
		p.Response.InternalError(c, "failed to encode upstream payload", err.Error())
		return
	}

	var (
		respStatus int
		respBody   []byte
		lastErr    error
	)

	operation := func() error {
		upstreamReq, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		upstreamReq.Header.Set("Content-Type", "application/json")
		upstreamReq.Header.Set("api-key", p.cfg.ImageAPIKey)

		resp, err := p.imageClient.Do(upstreamReq)
		if err != nil {
			lastErr = err
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			lastErr = err
			return err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			respStatus = resp.StatusCode
			respBody = data
			return nil
		}

		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			respStatus = resp.StatusCode
			respBody = data
			return backoff.Permanent(errProxyFailFast)
		}

		lastErr = fmt.Errorf("API error: %d - %s", resp.StatusCode, truncateBody(data))
		return lastErr
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(proxyRetryInterval), proxyMaxAttempts-1),
		c.Request.Context(),
	)

	err = backoff.Retry(operation, policy)
	switch {
	case err == nil:
		c.Data(respStatus, "application/json", respBody)
	case goerrors.Is(err, errProxyFailFast):
		logrus.WithField("status", respStatus).Warn("image proxy upstream rejected request")
		c.Data(respStatus, "application/json", respBody)
	default:
		if lastErr == nil {
			lastErr = err
		}
		logrus.WithError(lastErr).Error("image proxy exhausted retries")
		p.Response.Error(c, http.StatusInternalServerError, ErrorUpstreamFailure,
			fmt.Sprintf("Failed after %d attempts. Last error: %v", proxyMaxAttempts, lastErr))
	}
}

func truncateBody(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}

// internal/imagegen/client.go
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	apperrors "github.com/Corphon/StoryWeaver/internal/errors"
	"github.com/Corphon/StoryWeaver/internal/imaging"
)

// Mode selects the upstream operation.
const (
	ModeGeneration = "generation"
	ModeEdit       = "edit"
)

const (
	maxAttempts   = 3
	retryInterval = 1 * time.Second
)

// Client calls the image generation collaborator. Edit mode conditions the
// output on a reference image; generation mode is unconditioned.
//
// Transient upstream failures (5xx, 429) are retried with a fixed backoff;
// other 4xx responses fail fast.
type Client struct {
	genEndpoint  string
	editEndpoint string
	apiKey       string
	client       *http.Client
}

// NewClient creates an image generation client.
func NewClient(genEndpoint, editEndpoint, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 180 * time.Second}
	}
	return &Client{
		genEndpoint:  genEndpoint,
		editEndpoint: editEndpoint,
		apiKey:       apiKey,
		client:       httpClient,
	}
}

// Generate requests an image and returns a reference to it (a URL or a data
// URI). mode must be ModeGeneration or ModeEdit; referenceImage is only used
// in edit mode and may be a data URI, which is stripped to its raw payload
// before forwarding.
func (c *Client) Generate(ctx context.Context, mode, prompt, referenceImage string) (string, error) {
	endpoint := c.genEndpoint
	payload := map[string]interface{}{
		"prompt":          prompt,
		"width":           1024,
		"height":          1024,
		"steps":           25,
		"response_format": "b64_json",
		"strength":        1.0,
	}

	if mode == ModeEdit && referenceImage != "" {
		endpoint = c.editEndpoint
		payload["image"] = imaging.StripDataURI(referenceImage)
		payload["strength"] = 0.75
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.NewProcessingError("failed to encode image request", err)
	}

	var result string
	attempt := 0
	operation := func() error {
		attempt++
		ref, err := c.doRequest(ctx, endpoint, body)
		if err != nil {
			logrus.WithFields(logrus.Fields{"attempt": attempt, "mode": mode}).
				WithError(err).Warn("image generation attempt failed")
			return err
		}
		result = ref
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), maxAttempts-1),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}

	return result, nil
}

// doRequest performs one upstream call and extracts the image reference.
func (c *Client) doRequest(ctx context.Context, endpoint string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(apperrors.NewTransportError("failed to build image request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperrors.NewTransportError("image generation request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.NewTransportError("failed to read image response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upstreamErr := apperrors.NewUpstreamError(resp.StatusCode, string(respBody))
		// Client errors other than rate limiting will not succeed on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", backoff.Permanent(upstreamErr)
		}
		return "", upstreamErr
	}

	ref, err := extractImageRef(respBody)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	return ref, nil
}

// imageEnvelope covers the known upstream response shapes.
type imageEnvelope struct {
	OutputURL string `json:"output_url"`
	URL       string `json:"url"`
	Data      []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Images []json.RawMessage `json:"images"`
}

// extractImageRef pulls an image reference out of the response, trying each
// known shape in order: output_url, url, data[0].url, data[0].b64_json,
// images[0] (string or {url}).
func extractImageRef(body []byte) (string, error) {
	var envelope imageEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", apperrors.NewParseError("image response is not valid JSON", err)
	}

	if envelope.OutputURL != "" {
		return envelope.OutputURL, nil
	}
	if envelope.URL != "" {
		return envelope.URL, nil
	}
	if len(envelope.Data) > 0 {
		if envelope.Data[0].URL != "" {
			return envelope.Data[0].URL, nil
		}
		if envelope.Data[0].B64JSON != "" {
			return "data:image/png;base64," + envelope.Data[0].B64JSON, nil
		}
	}
	if len(envelope.Images) > 0 {
		var asString string
		if err := json.Unmarshal(envelope.Images[0], &asString); err == nil && asString != "" {
			if strings.HasPrefix(asString, "http") {
				return asString, nil
			}
			return "data:image/png;base64," + asString, nil
		}
		var asObject struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(envelope.Images[0], &asObject); err == nil && asObject.URL != "" {
			return asObject.URL, nil
		}
	}

	return "", apperrors.NewParseError(fmt.Sprintf("no image URL found in response: %s", truncate(string(body), 200)), nil)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

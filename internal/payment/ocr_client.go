package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// minConfidence below which an OCR read is not trusted for
// auto-approval even when the amount matches.
const minConfidence = 0.5

// OCRClient verifies screenshots against an external OCR service that
// accepts raw image bytes and returns the recognized text.
type OCRClient struct {
	baseURL   string
	client    *http.Client
	tolerance int
}

// NewOCRClient creates a verifier backed by the OCR service at baseURL.
func NewOCRClient(baseURL string) *OCRClient {
	return &OCRClient{
		baseURL:   baseURL,
		tolerance: DefaultTolerance,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithTolerance overrides the amount-match tolerance.
func (c *OCRClient) WithTolerance(t int) *OCRClient {
	c.tolerance = t
	return c
}

// ocrResponse is the OCR service's reply.
type ocrResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Verify sends the screenshot for text extraction and checks the
// detected amount against expectedAmount. Transport and service errors
// are returned as errors; a readable screenshot that simply doesn't
// match yields a non-verified Result with a nil error.
func (c *OCRClient) Verify(ctx context.Context, screenshot []byte, expectedAmount int) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/recognize", bytes.NewReader(screenshot))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ocr service returned status %d", resp.StatusCode)
	}

	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ocr response: %w", err)
	}

	detected, ok := ExtractAmount(out.Text)
	if !ok {
		return &Result{Confidence: out.Confidence, Reason: "could not detect amount from screenshot"}, nil
	}

	result := VerifyAmount(detected, expectedAmount, c.tolerance)
	result.Confidence = out.Confidence
	if result.Verified && out.Confidence < minConfidence {
		result.Verified = false
		result.Reason = "ocr confidence too low for auto-approval"
	}
	return result, nil
}

var _ Verifier = (*OCRClient)(nil)

// Package payment verifies payment screenshots before auto-approval.
//
// The image-to-text step runs in an external OCR service; this package
// owns the interface, the amount extraction over the returned text, and
// the content fingerprint used for duplicate-submission detection. A
// verification failure is never an error path for the order: it simply
// means the order is not armed for auto-approval and waits for manual
// review.
package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// Result is the outcome of verifying one screenshot.
type Result struct {
	Verified       bool    `json:"verified"`
	DetectedAmount int     `json:"detectedAmount"` // 0 when nothing was detected
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
}

// Verifier turns a payment screenshot into a verification result.
type Verifier interface {
	Verify(ctx context.Context, screenshot []byte, expectedAmount int) (*Result, error)
}

// DefaultTolerance is the allowed difference in Ks between the detected
// and expected amounts (mobile wallets sometimes round fees in).
const DefaultTolerance = 100

// Detected amounts outside this range are treated as OCR noise.
const (
	minPlausibleAmount = 1000
	maxPlausibleAmount = 1000000
)

// amountPatterns are tried in priority order against OCR text. Earlier
// patterns anchor on currency markers and labels; the trailing ones pick
// up bare numbers as a last resort.
var amountPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\d{1,3}(?:,\d{3})*|\d+)\s*(?:Ks|MMK|Kyat)`),
	regexp.MustCompile(`(?i)(?:Ks|MMK)\s*(\d{1,3}(?:,\d{3})*|\d+)`),
	regexp.MustCompile(`(?i)(?:Amount|Total)[:\s]*(\d{1,3}(?:,\d{3})*|\d+)`),
	regexp.MustCompile(`(?i)(?:Transfer|Send)[:\s]*(\d{1,3}(?:,\d{3})*|\d+)`),
	regexp.MustCompile(`\b(\d{1,3}(?:,\d{3})+)\b`),
	regexp.MustCompile(`\b([3-9]\d{3}|\d{5,})\b`),
}

// ExtractAmount scans OCR text for a payment amount in Ks. It collects
// every plausible candidate and returns the most frequent one, breaking
// ties toward the larger amount.
func ExtractAmount(text string) (int, bool) {
	text = strings.ReplaceAll(text, "\n", " ")

	counts := make(map[int]int)
	for _, p := range amountPatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			raw := strings.NewReplacer(",", "", " ", "").Replace(m[1])
			n, err := strconv.Atoi(raw)
			if err != nil {
				continue
			}
			if n < minPlausibleAmount || n > maxPlausibleAmount {
				continue
			}
			counts[n]++
		}
	}

	best, bestCount := 0, 0
	for n, c := range counts {
		if c > bestCount || (c == bestCount && n > best) {
			best, bestCount = n, c
		}
	}
	return best, bestCount > 0
}

// VerifyAmount compares a detected amount against the expected one
// within tolerance.
func VerifyAmount(detected, expected, tolerance int) *Result {
	if detected == 0 {
		return &Result{Reason: "could not detect amount from screenshot"}
	}
	diff := detected - expected
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		return &Result{
			DetectedAmount: detected,
			Reason:         "amount mismatch: detected " + strconv.Itoa(detected) + ", expected " + strconv.Itoa(expected),
		}
	}
	return &Result{Verified: true, DetectedAmount: detected, Reason: "amount matches"}
}

// Fingerprint returns a stable content fingerprint for a screenshot,
// used to flag the same image being reused across orders.
func Fingerprint(screenshot []byte) string {
	sum := sha256.Sum256(screenshot)
	return hex.EncodeToString(sum[:])
}

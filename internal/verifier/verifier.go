// Package verifier streams a completed download through SHA-256, reporting
// progress throttled by elapsed time (at most one callback per
// ProgressInterval, plus a final one) rather than a callback per read.
package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// ProgressFunc is invoked at most at ProgressInterval while hashing.
type ProgressFunc func(bytesHashed, totalBytes int64)

// ProgressInterval bounds how often ProgressFunc fires, matching the ≤10Hz
// ceiling on progress events elsewhere in the pipeline.
const ProgressInterval = 100 * time.Millisecond

const readChunkSize = 1 << 20

// Verify streams src through SHA-256 and returns its lowercase hex digest.
// It reports progress via onProgress, if non-nil, no more often than
// ProgressInterval, and honors ctx cancellation between reads.
func Verify(ctx context.Context, src io.Reader, totalBytes int64, onProgress ProgressFunc) (string, error) {
	h := sha256.New()
	buf := make([]byte, readChunkSize)

	var hashed int64
	lastReport := time.Now()

	report := func(force bool) {
		if onProgress == nil {
			return
		}
		if force || time.Since(lastReport) >= ProgressInterval {
			onProgress(hashed, totalBytes)
			lastReport = time.Now()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := h.Write(buf[:n]); err != nil {
				return "", fmt.Errorf("verifier: hash write: %w", err)
			}
			hashed += int64(n)
			report(false)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("verifier: read source: %w", readErr)
		}
	}

	report(true)
	return hex.EncodeToString(h.Sum(nil)), nil
}

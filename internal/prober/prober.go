// Package prober implements the Range Prober: given a URL and an HTTP
// client, it determines the total resource length and whether byte-range
// requests are honored via a HEAD-then-probe-range fallback sequence.
package prober

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// Result is the outcome of probing an origin.
type Result struct {
	TotalLength int64
	RangesOK    bool
}

// Probe issues a HEAD request and, if that is inconclusive, a single-byte
// range GET, to determine length and range support.
//
// Zero length is an immediate success with empty bytes (RangesOK is forced
// false since there is nothing to range over). An unknown length forces
// single-stream (RangesOK false) since the planner cannot partition an
// unbounded resource.
func Probe(ctx context.Context, client *http.Client, url string, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "prober")

	var length int64
	var rangesOK bool

	headReq, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("prober: build HEAD request: %w", err)
	}
	if resp, err := client.Do(headReq); err != nil {
		logger.Debug("HEAD probe failed, falling back to range probe", "error", err)
	} else {
		length = resp.ContentLength
		rangesOK = acceptsRanges(resp.Header.Get("Accept-Ranges"))
		resp.Body.Close()
	}

	if length <= 0 || !rangesOK {
		logger.Debug("HEAD probe inconclusive, issuing single-byte range probe")
		confirmedLength, confirmedRanges, err := rangeProbe(ctx, client, url)
		if err != nil {
			logger.Debug("range probe failed", "error", err)
		} else {
			if confirmedLength > 0 {
				length = confirmedLength
			}
			rangesOK = confirmedRanges
		}
	}

	if length < 0 {
		length = 0
	}
	if length == 0 {
		return Result{TotalLength: 0, RangesOK: false}, nil
	}

	return Result{TotalLength: length, RangesOK: rangesOK}, nil
}

func acceptsRanges(header string) bool {
	return strings.Contains(strings.ToLower(header), "bytes")
}

// rangeProbe requests bytes=0-0. A 206 with a valid Content-Range confirms
// support and the total length; a 200 falls back to single-stream.
func rangeProbe(ctx context.Context, client *http.Client, url string) (length int64, rangesOK bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := client.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if ok {
			return total, true, nil
		}
		return 0, true, nil
	case http.StatusOK:
		return resp.ContentLength, false, nil
	default:
		return 0, false, fmt.Errorf("prober: unexpected status on range probe: %d", resp.StatusCode)
	}
}

// parseContentRangeTotal extracts the total length from a header like
// "bytes 0-0/12345". An asterisk total ("bytes 0-0/*") is unknown.
func parseContentRangeTotal(header string) (int64, bool) {
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx == len(header)-1 {
		return 0, false
	}
	totalStr := header[idx+1:]
	if totalStr == "*" {
		return 0, false
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

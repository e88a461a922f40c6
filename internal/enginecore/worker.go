package enginecore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// streamBufferSize bounds one read/write cycle while streaming a chunk into
// the sink, trading a few more syscalls for bounded per-worker memory
// instead of buffering a whole interval in RAM before the first byte of it
// ever reaches disk.
const streamBufferSize = 32 * 1024

// workerProgressInterval is how often a worker reports its running byte
// count and instantaneous rate back to the aggregator while a chunk is in
// flight, landing comfortably inside a 4-10Hz per-worker cadence.
const workerProgressInterval = 150 * time.Millisecond

// chunkWorker performs one HTTP range GET per job it receives, streaming
// the response directly into the sink at the right offset as it arrives
// and reporting a chunkResult back through a channel once the attempt
// ends, rather than buffering the whole interval before handing it to the
// aggregator.
type chunkWorker struct {
	id             int
	client         *http.Client
	url            string
	sink           sinkWriter
	jobsIn         <-chan chunkJob
	resultsOut     chan<- chunkResult
	progressOut    chan<- workerProgress
	logger         *slog.Logger
	requestTimeout time.Duration
}

func newChunkWorker(id int, client *http.Client, url string, sink sinkWriter, jobsIn <-chan chunkJob, resultsOut chan<- chunkResult, progressOut chan<- workerProgress, logger *slog.Logger, requestTimeout time.Duration) *chunkWorker {
	return &chunkWorker{
		id:             id,
		client:         client,
		url:            url,
		sink:           sink,
		jobsIn:         jobsIn,
		resultsOut:     resultsOut,
		progressOut:    progressOut,
		logger:         logger.With("actor", "chunk_worker", "worker_id", id),
		requestTimeout: requestTimeout,
	}
}

func (w *chunkWorker) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	w.logger.Debug("worker started")
	defer w.logger.Debug("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-w.jobsIn:
			if !ok {
				return
			}
			w.processJob(ctx, j)
		}
	}
}

func (w *chunkWorker) processJob(ctx context.Context, j chunkJob) {
	start := time.Now()
	written, rangeLied, err := w.fetchRange(ctx, j)
	result := chunkResult{chunkJob: j, bytesWritten: written, rangeLied: rangeLied, err: err, duration: time.Since(start)}

	// Deliver the result even when ctx is already done, if there is room,
	// so a cancelled attempt still reports the bytes it wrote.
	select {
	case w.resultsOut <- result:
		return
	default:
	}
	select {
	case w.resultsOut <- result:
	case <-ctx.Done():
	}
}

// fetchRange issues Range: bytes=start-(end-1), matching the half-open
// Interval convention used throughout the planner and sink, and streams
// the response body directly into the sink as it arrives. A 200 response
// to that range request means the origin does not honor ranges at all
// despite advertising Accept-Ranges; the body it sends back is the entire
// resource starting at byte 0, so it is streamed in as a full-file
// replacement instead of treated as an ordinary failed chunk.
func (w *chunkWorker) fetchRange(ctx context.Context, j chunkJob) (int64, bool, error) {
	start, end := j.interval.Start, j.interval.End

	fetchCtx, cancel := context.WithTimeout(ctx, w.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, w.url, nil)
	if err != nil {
		return 0, false, fmt.Errorf("chunk worker %d: build request: %w", w.id, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("chunk worker %d: request failed: %w", w.id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		written, err := w.streamInto(fetchCtx, resp.Body, j.workerID, start, end)
		if err != nil {
			err = fmt.Errorf("chunk worker %d: %w", w.id, err)
		}
		return written, false, err
	case http.StatusOK:
		w.logger.Warn("origin returned 200 for a range request, falling back to single-stream", "requested", j.interval)
		written, err := w.streamInto(fetchCtx, resp.Body, j.workerID, 0, -1)
		if err != nil {
			err = fmt.Errorf("chunk worker %d: single-stream fallback: %w", w.id, err)
		}
		return written, true, err
	default:
		return 0, false, fmt.Errorf("chunk worker %d: unexpected status %d for range request", w.id, resp.StatusCode)
	}
}

// streamInto copies body into the sink starting at offset, stopping once
// offset+written reaches end when end >= 0, or running until EOF when end
// < 0 (the range-lie fallback, whose length is unknown up front). It
// reports bytes written so far even when it returns an error, so a
// cancelled or broken attempt still tells the caller exactly how much of
// the interval is already safely on disk. assignmentID identifies which
// interval this stream belongs to, for progress reports.
func (w *chunkWorker) streamInto(ctx context.Context, body io.Reader, assignmentID int, offset, end int64) (int64, error) {
	buf := make([]byte, streamBufferSize)
	var written int64
	lastReportAt := time.Now()
	lastReportBytes := int64(0)

	for end < 0 || offset+written < end {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		toRead := len(buf)
		if end >= 0 {
			if remaining := end - (offset + written); int64(toRead) > remaining {
				toRead = int(remaining)
			}
		}

		n, readErr := body.Read(buf[:toRead])
		if n > 0 {
			if _, werr := w.sink.WriteAt(buf[:n], offset+written); werr != nil {
				return written, fmt.Errorf("sink write at offset %d: %w", offset+written, werr)
			}
			written += int64(n)
			lastReportAt, lastReportBytes = w.maybeReportProgress(assignmentID, written, lastReportAt, lastReportBytes)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return written, fmt.Errorf("read body: %w", readErr)
		}
	}

	if end >= 0 && offset+written != end {
		return written, fmt.Errorf("incomplete range read: got %d, want %d: %w", written, end-offset, io.ErrUnexpectedEOF)
	}
	return written, nil
}

// maybeReportProgress sends a non-blocking progress update at most once per
// workerProgressInterval, returning the (possibly updated) bookkeeping the
// caller should carry into its next call.
func (w *chunkWorker) maybeReportProgress(assignmentID int, written int64, lastReportAt time.Time, lastReportBytes int64) (time.Time, int64) {
	if w.progressOut == nil {
		return lastReportAt, lastReportBytes
	}
	now := time.Now()
	elapsed := now.Sub(lastReportAt)
	if elapsed < workerProgressInterval {
		return lastReportAt, lastReportBytes
	}
	rate := float64(written-lastReportBytes) / elapsed.Seconds()
	select {
	case w.progressOut <- workerProgress{assignmentID: assignmentID, bytesDoneInterval: written, instantaneousRate: rate}:
	default:
	}
	return now, written
}

package verifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyMatchesKnownDigest(t *testing.T) {
	data := []byte(strings.Repeat("ariadl", 1000))
	want := sha256.Sum256(data)

	got, err := Verify(context.Background(), bytes.NewReader(data), int64(len(data)), nil)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestVerifyEmptyInput(t *testing.T) {
	want := sha256.Sum256(nil)
	got, err := Verify(context.Background(), bytes.NewReader(nil), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestVerifyReportsProgress(t *testing.T) {
	data := make([]byte, 5*readChunkSize)
	var lastHashed int64
	calls := 0
	_, err := Verify(context.Background(), bytes.NewReader(data), int64(len(data)), func(hashed, total int64) {
		calls++
		assert.LessOrEqual(t, hashed, total)
		assert.GreaterOrEqual(t, hashed, lastHashed)
		lastHashed = hashed
	})
	require.NoError(t, err)
	assert.Positive(t, calls)
	assert.Equal(t, int64(len(data)), lastHashed)
}

func TestVerifyHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Verify(ctx, bytes.NewReader(make([]byte, 10)), 10, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestVerifyPropagatesReadError(t *testing.T) {
	_, err := Verify(context.Background(), errReader{}, 10, nil)
	assert.Error(t, err)
}

func TestProgressIntervalIsBoundedForResponsiveness(t *testing.T) {
	assert.LessOrEqual(t, ProgressInterval, time.Second)
}

package merge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/voicecapture/internal/adts"
)

// stubProber stands in for ffprobe so merges run without external tools.
type stubProber struct {
	duration time.Duration
	err      error
	probed   []string
}

func (s *stubProber) Duration(_ context.Context, path string) (time.Duration, error) {
	s.probed = append(s.probed, path)
	return s.duration, s.err
}

var testHeader = adts.Header{Profile: 1, SampleRateIndex: 4, ChannelConfig: 1}

// writeADTS writes a synthetic ADTS file of the given frame count and
// payload size per frame, returning its path.
func writeADTS(t *testing.T, dir, name string, frames, payload int, header adts.Header) string {
	t.Helper()
	header.FrameLength = adts.HeaderSize + payload
	raw, err := header.Encode()
	require.NoError(t, err)

	var data []byte
	for i := 0; i < frames; i++ {
		data = append(data, raw...)
		for j := 0; j < payload; j++ {
			data = append(data, byte(i+j))
		}
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func newTestMerger(prober DurationProber) *Merger {
	return New(Options{
		FFmpegPath: "/nonexistent/ffmpeg", // unit tests must never reach the fallback binary
		Prober:     prober,
	})
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	leftovers, err := filepath.Glob(filepath.Join(dir, ".merge_*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "merge must not leave temp files behind")
}

func TestMerge_RawConcatenation(t *testing.T) {
	dir := t.TempDir()
	original := writeADTS(t, dir, "take.aac", 3, 40, testHeader)
	seg1 := writeADTS(t, dir, "seg1.aac", 2, 40, testHeader)
	seg2 := writeADTS(t, dir, "seg2.aac", 4, 40, testHeader)

	wantBytes := append([]byte(nil), mustRead(t, original)...)
	wantBytes = append(wantBytes, mustRead(t, seg1)[adts.HeaderSize:]...)
	wantBytes = append(wantBytes, mustRead(t, seg2)[adts.HeaderSize:]...)

	prober := &stubProber{duration: 3500 * time.Millisecond}
	outcome, err := newTestMerger(prober).Merge(context.Background(), original, []string{seg1, seg2})
	require.NoError(t, err)

	assert.Equal(t, original, outcome.FinalPath)
	assert.Equal(t, 3500*time.Millisecond, outcome.Duration)
	assert.False(t, outcome.Reencoded)
	assert.Equal(t, []string{seg1, seg2}, outcome.Consumed)
	assert.Equal(t, wantBytes, mustRead(t, original))

	// The playability probe must have run against the temp output, before
	// the original was replaced.
	require.NotEmpty(t, prober.probed)
	assert.Contains(t, filepath.Base(prober.probed[0]), ".merge_")

	// Inputs stay on disk; deletion is the caller's decision.
	assert.FileExists(t, seg1)
	assert.FileExists(t, seg2)
	assertNoTempFiles(t, dir)
}

func TestMerge_PromotesFirstSegmentWhenOriginalMissing(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "take.aac")
	seg1 := writeADTS(t, dir, "seg1.aac", 2, 16, testHeader)
	seg2 := writeADTS(t, dir, "seg2.aac", 2, 16, testHeader)

	wantBytes := append([]byte(nil), mustRead(t, seg1)...)
	wantBytes = append(wantBytes, mustRead(t, seg2)[adts.HeaderSize:]...)

	prober := &stubProber{duration: time.Second}
	outcome, err := newTestMerger(prober).Merge(context.Background(), original, []string{seg1, seg2})
	require.NoError(t, err)

	assert.Equal(t, original, outcome.FinalPath)
	assert.Equal(t, wantBytes, mustRead(t, original))
	assert.FileExists(t, seg1, "promotion must copy, not move")
	assert.Equal(t, []string{seg1, seg2}, outcome.Consumed)
}

func TestMerge_PromoteWithSingleSegment(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "take.aac")
	seg := writeADTS(t, dir, "seg.aac", 3, 16, testHeader)

	prober := &stubProber{duration: 2 * time.Second}
	outcome, err := newTestMerger(prober).Merge(context.Background(), original, []string{seg})
	require.NoError(t, err)

	assert.Equal(t, mustRead(t, seg), mustRead(t, original))
	assert.Equal(t, 2*time.Second, outcome.Duration)
	assert.False(t, outcome.Reencoded)
}

func TestMerge_NoSegmentsIsNoOp(t *testing.T) {
	dir := t.TempDir()
	original := writeADTS(t, dir, "take.aac", 3, 16, testHeader)
	before := mustRead(t, original)

	prober := &stubProber{duration: 1200 * time.Millisecond}
	outcome, err := newTestMerger(prober).Merge(context.Background(), original, nil)
	require.NoError(t, err)

	assert.Equal(t, original, outcome.FinalPath)
	assert.Equal(t, 1200*time.Millisecond, outcome.Duration)
	assert.Equal(t, before, mustRead(t, original), "no-op merge must not rewrite the file")
	assert.Equal(t, []string{original}, prober.probed)
}

func TestMerge_SkipsMissingAndEmptySegments(t *testing.T) {
	dir := t.TempDir()
	original := writeADTS(t, dir, "take.aac", 2, 24, testHeader)
	missing := filepath.Join(dir, "gone.aac")
	empty := filepath.Join(dir, "empty.aac")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	good := writeADTS(t, dir, "good.aac", 2, 24, testHeader)

	wantBytes := append([]byte(nil), mustRead(t, original)...)
	wantBytes = append(wantBytes, mustRead(t, good)[adts.HeaderSize:]...)

	prober := &stubProber{duration: time.Second}
	outcome, err := newTestMerger(prober).Merge(context.Background(), original, []string{missing, empty, good})
	require.NoError(t, err)

	assert.Equal(t, wantBytes, mustRead(t, original))
	assert.Equal(t, []string{missing, empty, good}, outcome.Consumed)
}

func TestMerge_DeduplicatesSegmentList(t *testing.T) {
	dir := t.TempDir()
	original := writeADTS(t, dir, "take.aac", 2, 24, testHeader)
	seg := writeADTS(t, dir, "seg.aac", 2, 24, testHeader)

	wantBytes := append([]byte(nil), mustRead(t, original)...)
	wantBytes = append(wantBytes, mustRead(t, seg)[adts.HeaderSize:]...)

	prober := &stubProber{duration: time.Second}
	outcome, err := newTestMerger(prober).Merge(context.Background(), original, []string{seg, seg, seg})
	require.NoError(t, err)

	assert.Equal(t, wantBytes, mustRead(t, original))
	assert.Equal(t, []string{seg}, outcome.Consumed)
}

func TestMerge_NothingExists(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "take.aac")

	_, err := newTestMerger(&stubProber{}).Merge(context.Background(), original, []string{filepath.Join(dir, "gone.aac")})
	require.Error(t, err)
	assert.NoFileExists(t, original)
}

func TestMerge_HeaderMismatchFallsBackWithoutDamage(t *testing.T) {
	dir := t.TempDir()
	original := writeADTS(t, dir, "take.aac", 2, 24, testHeader)

	otherRate := testHeader
	otherRate.SampleRateIndex = 3
	seg := writeADTS(t, dir, "seg.aac", 2, 24, otherRate)

	before := mustRead(t, original)
	segBefore := mustRead(t, seg)

	// The fallback's ffmpeg binary does not exist, so the merge fails, but
	// it must fail cleanly, leaving every input intact for a retry.
	_, err := newTestMerger(&stubProber{duration: time.Second}).Merge(context.Background(), original, []string{seg})
	require.Error(t, err)

	assert.Equal(t, before, mustRead(t, original))
	assert.Equal(t, segBefore, mustRead(t, seg))
	assertNoTempFiles(t, dir)
}

func TestMerge_NonADTSInputFallsBack(t *testing.T) {
	dir := t.TempDir()
	original := writeADTS(t, dir, "take.aac", 2, 24, testHeader)
	seg := filepath.Join(dir, "seg.aac")
	require.NoError(t, os.WriteFile(seg, []byte("RIFFnot-an-adts-stream"), 0644))

	before := mustRead(t, original)

	_, err := newTestMerger(&stubProber{duration: time.Second}).Merge(context.Background(), original, []string{seg})
	require.Error(t, err)
	assert.Equal(t, before, mustRead(t, original))
	assertNoTempFiles(t, dir)
}

func TestMerge_UnplayableConcatOutputIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	original := writeADTS(t, dir, "take.aac", 2, 24, testHeader)
	seg := writeADTS(t, dir, "seg.aac", 2, 24, testHeader)

	before := mustRead(t, original)

	// Prober reports zero duration: the concatenated temp file must be
	// discarded and the fallback attempted (which fails here, binary-less).
	prober := &stubProber{duration: 0}
	_, err := newTestMerger(prober).Merge(context.Background(), original, []string{seg})
	require.Error(t, err)

	assert.Equal(t, before, mustRead(t, original))
	assert.FileExists(t, seg)
	assertNoTempFiles(t, dir)
}

package replication

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSearch/lib/cluster"
)

// --------------------------------------------------------------------------
// Test Helpers
// --------------------------------------------------------------------------

// memWriter collects chunks in memory and reassembles files
type memWriter struct {
	mu    sync.Mutex
	files map[string][]byte
	lasts map[string]bool
	fail  error
	delay time.Duration
}

func newMemWriter() *memWriter {
	return &memWriter{
		files: make(map[string][]byte),
		lasts: make(map[string]bool),
	}
}

func (w *memWriter) WriteChunk(file FileMetadata, offset int64, data []byte, last bool) error {
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}

	buf := w.files[file.Name]
	if needed := offset + int64(len(data)); int64(len(buf)) < needed {
		grown := make([]byte, needed)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:], data)
	w.files[file.Name] = buf
	if last {
		w.lasts[file.Name] = true
	}
	return nil
}

// transferOutcome resolves with the listener's terminal outcome
type transferOutcome struct {
	ch chan struct {
		resp interface{}
		err  error
	}
}

func newTransferOutcome() *transferOutcome {
	return &transferOutcome{ch: make(chan struct {
		resp interface{}
		err  error
	}, 2)}
}

func (l *transferOutcome) OnResponse(resp interface{}) {
	l.ch <- struct {
		resp interface{}
		err  error
	}{resp: resp}
}

func (l *transferOutcome) OnFailure(err error) {
	l.ch <- struct {
		resp interface{}
		err  error
	}{err: err}
}

func (l *transferOutcome) await(t *testing.T) (interface{}, error) {
	t.Helper()
	select {
	case o := <-l.ch:
		return o.resp, o.err
	case <-time.After(5 * time.Second):
		t.Fatal("transfer never completed")
		return nil, nil
	}
}

// writeSegment creates a segment file with deterministic content
func writeSegment(t *testing.T, dir, name string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("failed to write segment: %v", err)
	}
	return data
}

func testTransferRequest(files ...FileMetadata) TransferRequest {
	return TransferRequest{
		TargetNode:         cluster.Node{ID: "node-2", Addr: "localhost:8082"},
		TargetAllocationID: "alloc-1",
		Files:              files,
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

// TestTransferSingleFile tests a complete transfer of one file in multiple
// chunks
func TestTransferSingleFile(t *testing.T) {
	dir := t.TempDir()
	content := writeSegment(t, dir, "segment-1", 10_000)

	writer := newMemWriter()
	h := NewSourceHandler(DirSource{Dir: dir}, writer, 1024, 4, time.Minute)

	l := newTransferOutcome()
	h.SendFiles(testTransferRequest(FileMetadata{Name: "segment-1", Length: 10_000}), l)

	resp, err := l.await(t)
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	summary := resp.(*TransferResponse)
	if summary.Files != 1 || summary.Bytes != 10_000 {
		t.Errorf("Expected 1 file / 10000 bytes, got %d / %d", summary.Files, summary.Bytes)
	}

	if !bytes.Equal(writer.files["segment-1"], content) {
		t.Error("Reassembled file does not match the source")
	}
	if !writer.lasts["segment-1"] {
		t.Error("The final chunk was not flagged as last")
	}
}

// TestTransferMultipleFiles tests that all requested files arrive
func TestTransferMultipleFiles(t *testing.T) {
	dir := t.TempDir()
	var files []FileMetadata
	contents := make(map[string][]byte)
	for i := 1; i <= 3; i++ {
		name := fmt.Sprintf("segment-%d", i)
		size := i * 700
		contents[name] = writeSegment(t, dir, name, size)
		files = append(files, FileMetadata{Name: name, Length: int64(size)})
	}

	writer := newMemWriter()
	h := NewSourceHandler(DirSource{Dir: dir}, writer, 512, 2, time.Minute)

	l := newTransferOutcome()
	h.SendFiles(testTransferRequest(files...), l)

	if _, err := l.await(t); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	for name, content := range contents {
		if !bytes.Equal(writer.files[name], content) {
			t.Errorf("File %s does not match the source", name)
		}
	}
}

// TestTransferMissingFile tests the failure path for an unknown segment
func TestTransferMissingFile(t *testing.T) {
	h := NewSourceHandler(DirSource{Dir: t.TempDir()}, newMemWriter(), 1024, 1, time.Minute)

	l := newTransferOutcome()
	h.SendFiles(testTransferRequest(FileMetadata{Name: "missing", Length: 100}), l)

	if _, err := l.await(t); err == nil {
		t.Error("Transfer of a missing file should fail")
	}
}

// TestTransferWriterFailure tests that a failing chunk writer fails the
// transfer
func TestTransferWriterFailure(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "segment-1", 5000)

	writer := newMemWriter()
	writer.fail = fmt.Errorf("replica rejected the chunk")
	h := NewSourceHandler(DirSource{Dir: dir}, writer, 1024, 2, time.Minute)

	l := newTransferOutcome()
	h.SendFiles(testTransferRequest(FileMetadata{Name: "segment-1", Length: 5000}), l)

	if _, err := l.await(t); err == nil {
		t.Error("Transfer should surface the writer failure")
	}
}

// TestTransferRejectsConcurrentRuns tests the single-transfer guard
func TestTransferRejectsConcurrentRuns(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "segment-1", 50_000)

	writer := newMemWriter()
	writer.delay = 5 * time.Millisecond // keep the first transfer busy
	h := NewSourceHandler(DirSource{Dir: dir}, writer, 1024, 1, time.Minute)

	first := newTransferOutcome()
	h.SendFiles(testTransferRequest(FileMetadata{Name: "segment-1", Length: 50_000}), first)

	second := newTransferOutcome()
	h.SendFiles(testTransferRequest(FileMetadata{Name: "segment-1", Length: 50_000}), second)

	if _, err := second.await(t); err == nil {
		t.Error("A second transfer on a busy handler should be rejected")
	}
	if _, err := first.await(t); err != nil {
		t.Errorf("The first transfer should still complete: %v", err)
	}
}

// TestTransferCancel tests cooperative cancellation
func TestTransferCancel(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "segment-1", 500_000)

	writer := newMemWriter()
	writer.delay = time.Millisecond
	h := NewSourceHandler(DirSource{Dir: dir}, writer, 512, 1, time.Minute)

	l := newTransferOutcome()
	h.SendFiles(testTransferRequest(FileMetadata{Name: "segment-1", Length: 500_000}), l)
	h.Cancel("rebalancing")

	if _, err := l.await(t); err == nil {
		t.Error("A cancelled transfer should fail")
	}
}

// TestTransferAfterTimeout tests that a timed out transfer does not poison
// the handler for later transfers
func TestTransferAfterTimeout(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "segment-1", 500_000)
	writeSegment(t, dir, "segment-2", 2_000)

	writer := newMemWriter()
	writer.delay = time.Millisecond // force the first transfer over budget
	h := NewSourceHandler(DirSource{Dir: dir}, writer, 512, 1, 30*time.Millisecond)

	first := newTransferOutcome()
	h.SendFiles(testTransferRequest(FileMetadata{Name: "segment-1", Length: 500_000}), first)
	if _, err := first.await(t); err == nil {
		t.Fatal("The first transfer should time out")
	}

	// The first transfer has fully drained, the handler must accept new work
	writer.delay = 0
	second := newTransferOutcome()
	h.SendFiles(testTransferRequest(FileMetadata{Name: "segment-2", Length: 2_000}), second)
	if _, err := second.await(t); err != nil {
		t.Errorf("A transfer after a timed out one should succeed: %v", err)
	}
}

// TestDirSourceRejectsTraversal tests the path traversal guard
func TestDirSourceRejectsTraversal(t *testing.T) {
	source := DirSource{Dir: t.TempDir()}
	if _, err := source.Open("../outside"); err == nil {
		t.Error("Path traversal should be rejected")
	}
	if _, err := source.Open("sub/file"); err == nil {
		t.Error("Nested paths should be rejected")
	}
}

// TestDirChunkWriter tests materializing chunks as files
func TestDirChunkWriter(t *testing.T) {
	dir := t.TempDir()
	w := DirChunkWriter{Dir: filepath.Join(dir, "recovery")}
	file := FileMetadata{Name: "segment-1", Length: 8}

	if err := w.WriteChunk(file, 4, []byte("tail"), true); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	if err := w.WriteChunk(file, 0, []byte("head"), false); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "recovery", "segment-1"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "headtail" {
		t.Errorf("Expected headtail, got %q", data)
	}

	if err := w.WriteChunk(FileMetadata{Name: "../evil"}, 0, []byte("x"), false); err == nil {
		t.Error("Path traversal should be rejected")
	}
}

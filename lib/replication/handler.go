package replication

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSearch/lib/cluster"
	"github.com/ValentinKolb/dSearch/lib/dispatch"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("replication")

// --------------------------------------------------------------------------
// Interface Definitions
// --------------------------------------------------------------------------

// FileMetadata describes one segment file to transfer.
type FileMetadata struct {
	Name   string `json:"name"`
	Length int64  `json:"length"`
}

// IFileSource provides read access to the segment files of the local node.
type IFileSource interface {
	Open(name string) (io.ReadCloser, error)
}

// IChunkWriter delivers one chunk of a file to the replica. Implementations
// are called from multiple goroutines and must be safe for concurrent use.
type IChunkWriter interface {
	WriteChunk(file FileMetadata, offset int64, data []byte, last bool) error
}

// TransferRequest names the replica and the files it is missing.
type TransferRequest struct {
	TargetNode         cluster.Node   `json:"target_node"`
	TargetAllocationID string         `json:"target_allocation_id"`
	Files              []FileMetadata `json:"files"`
}

// TransferResponse summarizes a completed transfer.
type TransferResponse struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// --------------------------------------------------------------------------
// Source Handler
// --------------------------------------------------------------------------

// SourceHandler streams segment files to a replication target. It runs at
// most one transfer at a time and can be reused for consecutive transfers;
// a concurrent SendFiles is rejected.
type SourceHandler struct {
	source        IFileSource
	writer        IChunkWriter
	chunkSize     int
	maxConcurrent int
	timeout       time.Duration

	replicating atomic.Bool
	cancelled   atomic.Bool
	cancelErr   atomic.Value // error
}

// NewSourceHandler creates a handler that reads files from source and pushes
// chunks of chunkSize bytes through writer, with at most maxConcurrent
// chunks in flight. A transfer that takes longer than timeout fails.
func NewSourceHandler(source IFileSource, writer IChunkWriter, chunkSize, maxConcurrent int, timeout time.Duration) *SourceHandler {
	if chunkSize < 1 {
		chunkSize = 64 * 1024
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &SourceHandler{
		source:        source,
		writer:        writer,
		chunkSize:     chunkSize,
		maxConcurrent: maxConcurrent,
		timeout:       timeout,
	}
}

// SendFiles streams all requested files to the replica. The call returns
// immediately; the listener is completed exactly once when the transfer
// finishes, fails or is cancelled.
func (h *SourceHandler) SendFiles(req TransferRequest, l dispatch.IListener) {
	if !h.replicating.CompareAndSwap(false, true) {
		l.OnFailure(fmt.Errorf("replication to [%s] is already running", req.TargetNode.ID))
		return
	}

	// a cancellation belongs to exactly one run
	h.cancelled.Store(false)

	log.Infof("starting segment transfer of %d file(s) to [%s] (allocation %s)",
		len(req.Files), req.TargetNode.ID, req.TargetAllocationID)

	go func() {
		defer h.replicating.Store(false)

		done := make(chan error, 1)
		go func() { done <- h.transfer(req) }()

		var timeoutCh <-chan time.Time
		if h.timeout > 0 {
			timer := time.NewTimer(h.timeout)
			defer timer.Stop()
			timeoutCh = timer.C
		}

		select {
		case err := <-done:
			if err != nil {
				log.Errorf("segment transfer to [%s] failed: %v", req.TargetNode.ID, err)
				l.OnFailure(err)
				return
			}
			resp := TransferResponse{Files: len(req.Files)}
			for _, f := range req.Files {
				resp.Bytes += f.Length
			}
			log.Infof("completed segment transfer of %d file(s) (%d bytes) to [%s]",
				resp.Files, resp.Bytes, req.TargetNode.ID)
			l.OnResponse(&resp)
		case <-timeoutCh:
			h.Cancel("transfer timed out")
			<-done // wait for in-flight chunk writes to drain
			l.OnFailure(fmt.Errorf("segment transfer to [%s] timed out after %v", req.TargetNode.ID, h.timeout))
		}
	}()
}

// Cancel aborts a running transfer with the given reason. In-flight chunk
// writes finish, no new chunks are started.
func (h *SourceHandler) Cancel(reason string) {
	if h.cancelled.CompareAndSwap(false, true) {
		h.cancelErr.Store(fmt.Errorf("replication cancelled: %s", reason))
		log.Warningf("segment transfer cancelled: %s", reason)
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// transfer streams all files sequentially, chunk writes within a file run
// concurrently up to the configured limit. The first error wins.
func (h *SourceHandler) transfer(req TransferRequest) error {
	for _, file := range req.Files {
		if err := h.checkCancelled(); err != nil {
			return err
		}
		if err := h.sendFile(file); err != nil {
			return err
		}
	}
	return h.checkCancelled()
}

// sendFile reads one file and pushes its chunks through the writer.
func (h *SourceHandler) sendFile(file FileMetadata) error {
	reader, err := h.source.Open(file.Name)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", file.Name, err)
	}
	defer reader.Close()

	// counting semaphore for in-flight chunk writes
	semaphore := make(chan struct{}, h.maxConcurrent)
	var wg sync.WaitGroup

	var writeErr error
	var writeErrOnce sync.Once
	fail := func(err error) {
		writeErrOnce.Do(func() { writeErr = err })
	}

	var offset int64
	for {
		if err := h.checkCancelled(); err != nil {
			fail(err)
			break
		}

		buf := make([]byte, h.chunkSize)
		n, readErr := io.ReadFull(reader, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			fail(fmt.Errorf("failed to read %s: %w", file.Name, readErr))
			break
		}

		last := readErr == io.ErrUnexpectedEOF || offset+int64(n) >= file.Length
		chunkOffset := offset
		offset += int64(n)

		semaphore <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-semaphore
				wg.Done()
			}()
			if err := h.writer.WriteChunk(file, chunkOffset, buf[:n], last); err != nil {
				fail(fmt.Errorf("failed to write chunk of %s at offset %d: %w", file.Name, chunkOffset, err))
			}
		}()

		if last {
			break
		}
	}

	wg.Wait()
	return writeErr
}

// checkCancelled returns the cancellation error if the transfer was
// cancelled.
func (h *SourceHandler) checkCancelled() error {
	if h.cancelled.Load() {
		return h.cancelErr.Load().(error)
	}
	return nil
}

// --------------------------------------------------------------------------
// File Sources
// --------------------------------------------------------------------------

// DirSource reads segment files from a directory on the local filesystem.
type DirSource struct {
	Dir string
}

func (s DirSource) Open(name string) (io.ReadCloser, error) {
	// reject path traversal out of the segment directory
	if filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid segment file name: %s", name)
	}
	return os.Open(filepath.Join(s.Dir, name))
}

// --------------------------------------------------------------------------
// Chunk Writers
// --------------------------------------------------------------------------

// DirChunkWriter materializes received chunks as files in a directory. The
// final chunk of a file triggers an fsync so a completed file is durable.
type DirChunkWriter struct {
	Dir string
}

func (w DirChunkWriter) WriteChunk(file FileMetadata, offset int64, data []byte, last bool) error {
	if filepath.Base(file.Name) != file.Name {
		return fmt.Errorf("invalid segment file name: %s", file.Name)
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(w.Dir, file.Name), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteAt(data, offset); err != nil {
		return err
	}
	if last {
		return f.Sync()
	}
	return nil
}

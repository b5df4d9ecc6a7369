package translog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("translog")

const (
	// record framing: 8 bytes seqNo + 4 bytes length + 4 bytes crc32
	recordHeaderSize = 16

	generationPrefix = "translog-"
	generationSuffix = ".log"
)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Config holds all parameters of a file-backed translog.
type Config struct {
	// Dir is the directory holding the generation files.
	Dir string
	// GenerationBytes is the size threshold after which ShouldRoll reports
	// true. Defaults to 64 MB.
	GenerationBytes int64
	// RetainGenerations is the number of closed generations kept on disk
	// beyond the current one. Defaults to 2.
	RetainGenerations int
}

func (c *Config) applyDefaults() {
	if c.GenerationBytes <= 0 {
		c.GenerationBytes = 64 * 1024 * 1024
	}
	if c.RetainGenerations < 0 {
		c.RetainGenerations = 0
	} else if c.RetainGenerations == 0 {
		c.RetainGenerations = 2
	}
}

// --------------------------------------------------------------------------
// Manager Implementation
// --------------------------------------------------------------------------

// manager is the file-backed ITranslogManager implementation.
type manager struct {
	mu     sync.Mutex
	config Config

	file       *os.File
	generation uint64 // current (writable) generation
	earliest   uint64 // oldest retained generation
	written    int64  // bytes written to the current generation
	synced     int64  // bytes synced in the current generation

	recovered bool
	ops       uint64
	last      Location
	closed    bool
}

// NewManager opens (or creates) the translog in config.Dir. Existing
// generations are left untouched for recovery, writing continues in a fresh
// generation. The caller must run Recover or SkipRecovery before the first
// Add.
func NewManager(config Config) (ITranslogManager, error) {
	config.applyDefaults()

	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create translog directory: %w", err)
	}

	generations, err := listGenerations(config.Dir)
	if err != nil {
		return nil, err
	}

	// Writing always starts in a fresh generation so that recovery only ever
	// reads closed files
	next := uint64(1)
	earliest := next
	if len(generations) > 0 {
		next = generations[len(generations)-1] + 1
		earliest = generations[0]
	}

	m := &manager{
		config:     config,
		generation: next,
		earliest:   earliest,
	}
	if err := m.openGeneration(next); err != nil {
		return nil, err
	}

	log.Infof("opened translog in %s (generation %d, %d retained generation(s))",
		config.Dir, next, len(generations))
	return m, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docs see interface.go)
// --------------------------------------------------------------------------

func (m *manager) Add(op Operation) (Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Location{}, fmt.Errorf("translog is closed")
	}
	if !m.recovered {
		return Location{}, fmt.Errorf("translog has a pending recovery")
	}

	record := encodeRecord(op)
	if _, err := m.file.Write(record); err != nil {
		return Location{}, fmt.Errorf("failed to write translog record: %w", err)
	}

	loc := Location{
		Generation: m.generation,
		Offset:     m.written,
		Size:       len(record),
	}
	m.written += int64(len(record))
	m.ops++
	m.last = loc
	return loc, nil
}

func (m *manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncLocked()
}

func (m *manager) SyncNeeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written > m.synced
}

func (m *manager) EnsureSynced(locations []Location) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Locations in older generations were synced when the generation was
	// rolled, only the current generation can have unsynced bytes.
	needed := false
	for _, loc := range locations {
		if loc.Generation == m.generation && loc.Offset+int64(loc.Size) > m.synced {
			needed = true
			break
		}
	}
	if !needed {
		return false, nil
	}
	if err := m.syncLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (m *manager) LastWriteLocation() Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *manager) Roll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("translog is closed")
	}
	if err := m.syncLocked(); err != nil {
		return err
	}
	if err := m.file.Close(); err != nil {
		return fmt.Errorf("failed to close generation %d: %w", m.generation, err)
	}

	m.generation++
	if err := m.openGeneration(m.generation); err != nil {
		return err
	}
	log.Debugf("rolled translog to generation %d", m.generation)
	return nil
}

func (m *manager) ShouldRoll() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written >= m.config.GenerationBytes
}

func (m *manager) TrimUnreferenced() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generation <= uint64(m.config.RetainGenerations) {
		return 0, nil
	}
	keepFrom := m.generation - uint64(m.config.RetainGenerations)

	deleted := 0
	for gen := m.earliest; gen < keepFrom; gen++ {
		path := generationPath(m.config.Dir, gen)
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return deleted, fmt.Errorf("failed to remove generation %d: %w", gen, err)
		}
		deleted++
	}
	m.earliest = keepFrom

	if deleted > 0 {
		log.Debugf("trimmed %d unreferenced translog generation(s), earliest is now %d", deleted, m.earliest)
	}
	return deleted, nil
}

func (m *manager) Recover(runner RecoveryRunnerFunc, upToSeqNo uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recovered {
		return 0, fmt.Errorf("translog recovery already completed")
	}

	generations, err := listGenerations(m.config.Dir)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i, gen := range generations {
		if gen == m.generation {
			// the fresh, writable generation has no retained operations
			continue
		}
		// a torn write is tolerated only at the tail of the newest closed
		// generation
		tolerateTornTail := i == len(generations)-1 || (i == len(generations)-2 && generations[len(generations)-1] == m.generation)
		n, err := replayGeneration(generationPath(m.config.Dir, gen), tolerateTornTail, upToSeqNo, runner)
		recovered += n
		if err != nil {
			return recovered, fmt.Errorf("recovery failed in generation %d: %w", gen, err)
		}
	}

	m.recovered = true
	log.Infof("recovered %d operation(s) from translog", recovered)
	return recovered, nil
}

func (m *manager) SkipRecovery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovered = true
}

func (m *manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Operations:         m.ops,
		SizeBytes:          m.written,
		Generation:         m.generation,
		EarliestGeneration: m.earliest,
		UnsyncedBytes:      m.written - m.synced,
	}
}

func (m *manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.syncLocked(); err != nil {
		m.file.Close()
		return err
	}
	return m.file.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// syncLocked syncs the current generation file. Must be called with the
// mutex held.
func (m *manager) syncLocked() error {
	if m.written == m.synced {
		return nil
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync translog: %w", err)
	}
	m.synced = m.written
	return nil
}

// openGeneration creates the file for the given generation and resets the
// write/sync offsets. Must be called with the mutex held (or before the
// manager is shared).
func (m *manager) openGeneration(gen uint64) error {
	file, err := os.OpenFile(generationPath(m.config.Dir, gen), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create translog generation %d: %w", gen, err)
	}
	m.file = file
	m.written = 0
	m.synced = 0
	return nil
}

// --------------------------------------------------------------------------
// Record Encoding / Replay
// --------------------------------------------------------------------------

// encodeRecord frames an operation: seqNo, payload length, payload crc32,
// payload.
func encodeRecord(op Operation) []byte {
	record := make([]byte, recordHeaderSize+len(op.Data))
	binary.BigEndian.PutUint64(record[0:8], op.SeqNo)
	binary.BigEndian.PutUint32(record[8:12], uint32(len(op.Data)))
	binary.BigEndian.PutUint32(record[12:16], crc32.ChecksumIEEE(op.Data))
	copy(record[recordHeaderSize:], op.Data)
	return record
}

// replayGeneration reads one generation file and feeds every valid operation
// with seqNo <= upToSeqNo to the runner. If tolerateTornTail is set, an
// incomplete record at the end of the file ends the replay silently,
// otherwise it is an error.
func replayGeneration(path string, tolerateTornTail bool, upToSeqNo uint64, runner RecoveryRunnerFunc) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	replayed := 0
	header := make([]byte, recordHeaderSize)
	for {
		if _, err := io.ReadFull(file, header); err != nil {
			if err == io.EOF {
				return replayed, nil
			}
			if err == io.ErrUnexpectedEOF && tolerateTornTail {
				log.Warningf("ignoring torn record at the tail of %s", path)
				return replayed, nil
			}
			return replayed, fmt.Errorf("truncated record header: %w", err)
		}

		seqNo := binary.BigEndian.Uint64(header[0:8])
		length := binary.BigEndian.Uint32(header[8:12])
		checksum := binary.BigEndian.Uint32(header[12:16])

		data := make([]byte, length)
		if _, err := io.ReadFull(file, data); err != nil {
			if (err == io.EOF || err == io.ErrUnexpectedEOF) && tolerateTornTail {
				log.Warningf("ignoring torn record at the tail of %s", path)
				return replayed, nil
			}
			return replayed, fmt.Errorf("truncated record payload: %w", err)
		}
		if crc32.ChecksumIEEE(data) != checksum {
			return replayed, fmt.Errorf("checksum mismatch for seqNo %d", seqNo)
		}

		if seqNo > upToSeqNo {
			continue
		}
		if err := runner(Operation{SeqNo: seqNo, Data: data}); err != nil {
			return replayed, err
		}
		replayed++
	}
}

// --------------------------------------------------------------------------
// Directory Helpers
// --------------------------------------------------------------------------

// generationPath returns the file path of a generation.
func generationPath(dir string, gen uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%06d%s", generationPrefix, gen, generationSuffix))
}

// listGenerations returns all generation numbers present in dir, sorted
// ascending.
func listGenerations(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list translog directory: %w", err)
	}

	var generations []uint64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, generationPrefix) || !strings.HasSuffix(name, generationSuffix) {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, generationPrefix), generationSuffix)
		gen, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		generations = append(generations, gen)
	}
	sort.Slice(generations, func(i, j int) bool { return generations[i] < generations[j] })
	return generations, nil
}

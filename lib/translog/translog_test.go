package translog

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// openTestLog creates a manager in a temp directory and marks it ready
func openTestLog(t *testing.T, dir string) ITranslogManager {
	t.Helper()
	m, err := NewManager(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	m.SkipRecovery()
	return m
}

// TestAddAndLocations tests journaling operations and their locations
func TestAddAndLocations(t *testing.T) {
	m := openTestLog(t, t.TempDir())
	defer m.Close()

	first, err := m.Add(Operation{SeqNo: 1, Data: []byte("first")})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if first.Offset != 0 {
		t.Errorf("First operation should start at offset 0, got %d", first.Offset)
	}
	if first.Size != recordHeaderSize+5 {
		t.Errorf("Expected record size %d, got %d", recordHeaderSize+5, first.Size)
	}

	second, err := m.Add(Operation{SeqNo: 2, Data: []byte("second")})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if second.Offset != int64(first.Size) {
		t.Errorf("Second operation should start after the first, got offset %d", second.Offset)
	}
	if m.LastWriteLocation() != second {
		t.Errorf("LastWriteLocation should be %v, got %v", second, m.LastWriteLocation())
	}

	stats := m.Stats()
	if stats.Operations != 2 {
		t.Errorf("Expected 2 operations in stats, got %d", stats.Operations)
	}
}

// TestAddRequiresRecovery tests that a fresh manager rejects writes
func TestAddRequiresRecovery(t *testing.T) {
	m, err := NewManager(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	if _, err := m.Add(Operation{SeqNo: 1, Data: []byte("x")}); err == nil {
		t.Error("Add before recovery should fail")
	}

	m.SkipRecovery()
	if _, err := m.Add(Operation{SeqNo: 1, Data: []byte("x")}); err != nil {
		t.Errorf("Add after SkipRecovery failed: %v", err)
	}
}

// TestSync tests the sync bookkeeping
func TestSync(t *testing.T) {
	m := openTestLog(t, t.TempDir())
	defer m.Close()

	if m.SyncNeeded() {
		t.Error("A fresh log should not need a sync")
	}

	loc, err := m.Add(Operation{SeqNo: 1, Data: []byte("x")})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !m.SyncNeeded() {
		t.Error("SyncNeeded should report true after a write")
	}

	synced, err := m.EnsureSynced([]Location{loc})
	if err != nil {
		t.Fatalf("EnsureSynced failed: %v", err)
	}
	if !synced {
		t.Error("EnsureSynced should have synced the unsynced location")
	}
	if m.SyncNeeded() {
		t.Error("SyncNeeded should report false after a sync")
	}

	// A second EnsureSynced for the same location is a no-op
	synced, err = m.EnsureSynced([]Location{loc})
	if err != nil {
		t.Fatalf("EnsureSynced failed: %v", err)
	}
	if synced {
		t.Error("EnsureSynced should not sync an already durable location")
	}
}

// TestRecovery tests replay of operations across restarts
func TestRecovery(t *testing.T) {
	dir := t.TempDir()

	m := openTestLog(t, dir)
	for i := uint64(1); i <= 5; i++ {
		if _, err := m.Add(Operation{SeqNo: i, Data: []byte(fmt.Sprintf("op-%d", i))}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen and replay everything
	m2, err := NewManager(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m2.Close()

	var replayed []uint64
	n, err := m2.Recover(func(op Operation) error {
		replayed = append(replayed, op.SeqNo)
		return nil
	}, math.MaxUint64)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Expected 5 recovered operations, got %d", n)
	}
	for i, seqNo := range replayed {
		if seqNo != uint64(i+1) {
			t.Errorf("Operations replayed out of order: %v", replayed)
			break
		}
	}

	// Recovery is one-shot
	if _, err := m2.Recover(func(op Operation) error { return nil }, math.MaxUint64); err == nil {
		t.Error("A second Recover should fail")
	}
}

// TestRecoveryUpToSeqNo tests the sequence number cutoff during replay
func TestRecoveryUpToSeqNo(t *testing.T) {
	dir := t.TempDir()

	m := openTestLog(t, dir)
	for i := uint64(1); i <= 5; i++ {
		if _, err := m.Add(Operation{SeqNo: i, Data: []byte("x")}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	m.Close()

	m2, err := NewManager(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m2.Close()

	n, err := m2.Recover(func(op Operation) error {
		if op.SeqNo > 3 {
			t.Errorf("Operation with seqNo %d should have been skipped", op.SeqNo)
		}
		return nil
	}, 3)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 recovered operations, got %d", n)
	}
}

// TestRecoveryTornTail tests that a torn write at the tail of the newest
// generation is tolerated
func TestRecoveryTornTail(t *testing.T) {
	dir := t.TempDir()

	m := openTestLog(t, dir)
	for i := uint64(1); i <= 3; i++ {
		if _, err := m.Add(Operation{SeqNo: i, Data: []byte("payload")}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	m.Close()

	// Cut the last record in half
	path := generationPath(dir, 1)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if err := os.Truncate(path, info.Size()-10); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	m2, err := NewManager(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m2.Close()

	n, err := m2.Recover(func(op Operation) error { return nil }, math.MaxUint64)
	if err != nil {
		t.Fatalf("Recover should tolerate the torn tail, got: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 intact operations, got %d", n)
	}
}

// TestRecoveryChecksumMismatch tests that corrupted payloads abort the replay
func TestRecoveryChecksumMismatch(t *testing.T) {
	dir := t.TempDir()

	m := openTestLog(t, dir)
	if _, err := m.Add(Operation{SeqNo: 1, Data: []byte("payload")}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	m.Close()

	// Flip a payload byte
	path := generationPath(dir, 1)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	data[recordHeaderSize] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	m2, err := NewManager(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m2.Close()

	if _, err := m2.Recover(func(op Operation) error { return nil }, math.MaxUint64); err == nil {
		t.Error("Recover should fail on a checksum mismatch")
	}
}

// TestRollAndTrim tests generation rolling and retention
func TestRollAndTrim(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir, RetainGenerations: 1})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()
	m.SkipRecovery()

	// Write into four consecutive generations
	for i := uint64(1); i <= 4; i++ {
		if _, err := m.Add(Operation{SeqNo: i, Data: []byte("x")}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if i < 4 {
			if err := m.Roll(); err != nil {
				t.Fatalf("Roll failed: %v", err)
			}
		}
	}
	if m.Stats().Generation != 4 {
		t.Errorf("Expected current generation 4, got %d", m.Stats().Generation)
	}

	deleted, err := m.TrimUnreferenced()
	if err != nil {
		t.Fatalf("TrimUnreferenced failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 trimmed generations, got %d", deleted)
	}
	if m.Stats().EarliestGeneration != 3 {
		t.Errorf("Expected earliest generation 3, got %d", m.Stats().EarliestGeneration)
	}

	// The trimmed files are really gone
	for gen := uint64(1); gen <= 2; gen++ {
		if _, err := os.Stat(generationPath(dir, gen)); !os.IsNotExist(err) {
			t.Errorf("Generation %d should have been removed", gen)
		}
	}
}

// TestShouldRoll tests the size threshold
func TestShouldRoll(t *testing.T) {
	m, err := NewManager(Config{Dir: t.TempDir(), GenerationBytes: 64})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()
	m.SkipRecovery()

	if m.ShouldRoll() {
		t.Error("An empty generation should not need a roll")
	}
	if _, err := m.Add(Operation{SeqNo: 1, Data: make([]byte, 128)}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !m.ShouldRoll() {
		t.Error("ShouldRoll should report true past the size threshold")
	}
}

// TestClose tests that a closed log rejects writes
func TestClose(t *testing.T) {
	m := openTestLog(t, t.TempDir())

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Closing twice should be a no-op, got: %v", err)
	}
	if _, err := m.Add(Operation{SeqNo: 1, Data: []byte("x")}); err == nil {
		t.Error("Add on a closed log should fail")
	}
}

// TestIgnoresForeignFiles tests that unrelated files in the directory are
// not mistaken for generations
func TestIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	m := openTestLog(t, dir)
	defer m.Close()

	if m.Stats().Generation != 1 {
		t.Errorf("Expected generation 1, got %d", m.Stats().Generation)
	}
}

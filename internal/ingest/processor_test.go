package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// fakeRow is one target/staging record in the in-memory store.
type fakeRow struct {
	cols        map[string]string
	processedAt int64
}

// fakeStore implements Store in memory with the same transactional and
// timestamp-gated merge semantics as the real store: a batch operates on a
// copy and commits only when the enclosing function returns nil.
type fakeStore struct {
	mu sync.Mutex
	pk string

	manifest map[string]Manifest
	target   map[string]fakeRow

	setupCalls int
	stageCalls int

	checkErr  error
	stageErr  error
	recordErr error
	mergeErr  error
}

func newFakeStore(pk string) *fakeStore {
	return &fakeStore{
		pk:       pk,
		manifest: map[string]Manifest{},
		target:   map[string]fakeRow{},
	}
}

func (s *fakeStore) Setup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setupCalls++
	return nil
}

func (s *fakeStore) WithBatch(ctx context.Context, fn func(Batch) error) error {
	s.mu.Lock()
	b := &fakeBatch{
		s:         s,
		manifest:  cloneManifest(s.manifest),
		target:    cloneTarget(s.target),
		checkErr:  s.checkErr,
		stageErr:  s.stageErr,
		recordErr: s.recordErr,
		mergeErr:  s.mergeErr,
	}
	s.mu.Unlock()

	if err := fn(b); err != nil {
		return err
	}

	s.mu.Lock()
	s.manifest = b.manifest
	s.target = b.target
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) manifestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.manifest)
}

func (s *fakeStore) targetStatus(pk string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.target[pk]
	if !ok {
		return "", false
	}
	return row.cols["status"], true
}

func (s *fakeStore) stageCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stageCalls
}

type fakeBatch struct {
	s        *fakeStore
	manifest map[string]Manifest
	target   map[string]fakeRow
	staged   []fakeRow

	checkErr  error
	stageErr  error
	recordErr error
	mergeErr  error
}

func (b *fakeBatch) DigestSeen(ctx context.Context, digest string) (bool, error) {
	if b.checkErr != nil {
		return false, b.checkErr
	}
	_, seen := b.manifest[digest]
	return seen, nil
}

func (b *fakeBatch) StageFile(ctx context.Context, path string) (int64, error) {
	b.s.mu.Lock()
	b.s.stageCalls++
	b.s.mu.Unlock()
	if b.stageErr != nil {
		return 0, b.stageErr
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, errors.New("missing header row")
	}
	header := records[0]

	b.staged = b.staged[:0]
	for _, rec := range records[1:] {
		row := fakeRow{cols: map[string]string{}}
		for i, name := range header {
			row.cols[name] = rec[i]
		}
		ts, err := strconv.ParseInt(row.cols["processed_at"], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad processed_at: %w", err)
		}
		row.processedAt = ts
		b.staged = append(b.staged, row)
	}
	return int64(len(b.staged)), nil
}

func (b *fakeBatch) RecordManifest(ctx context.Context, m Manifest) error {
	if b.recordErr != nil {
		return b.recordErr
	}
	b.manifest[m.Digest] = m
	return nil
}

func (b *fakeBatch) MergeStaging(ctx context.Context) (int64, error) {
	if b.mergeErr != nil {
		return 0, b.mergeErr
	}
	var affected int64
	for _, row := range b.staged {
		key := row.cols[b.s.pk]
		existing, ok := b.target[key]
		if ok && row.processedAt <= existing.processedAt {
			continue
		}
		b.target[key] = row
		affected++
	}
	return affected, nil
}

func cloneManifest(src map[string]Manifest) map[string]Manifest {
	dst := make(map[string]Manifest, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneTarget(src map[string]fakeRow) map[string]fakeRow {
	dst := make(map[string]fakeRow, len(src))
	for k, v := range src {
		cols := make(map[string]string, len(v.cols))
		for ck, cv := range v.cols {
			cols[ck] = cv
		}
		dst[k] = fakeRow{cols: cols, processedAt: v.processedAt}
	}
	return dst
}

func testEntity() EntityConfig {
	return EntityConfig{Name: "order", PrimaryKey: "order_id"}
}

func writeCSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const fileA = "order_id,status,processed_at\n1,PENDING,100\n"

func TestProcessFile_IngestsNewBatch(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore("order_id")
	proc := NewProcessor(testEntity(), store, zerolog.Nop())

	path := writeCSV(t, dir, "batch-a.csv", fileA)
	res := proc.ProcessFile(context.Background(), path)

	if res.Outcome != OutcomeDone {
		t.Fatalf("outcome = %v (step %v, err %v), want done", res.Outcome, res.Step, res.Err)
	}
	if res.Rows != 1 {
		t.Errorf("rows = %d, want 1", res.Rows)
	}
	if res.Digest == "" {
		t.Error("result digest is empty")
	}
	if store.manifestCount() != 1 {
		t.Errorf("manifest rows = %d, want 1", store.manifestCount())
	}
	if status, ok := store.targetStatus("1"); !ok || status != "PENDING" {
		t.Errorf("target row = %q, %v; want PENDING", status, ok)
	}

	m, ok := store.manifest[res.Digest]
	if !ok {
		t.Fatalf("manifest missing digest %s", res.Digest)
	}
	if m.FileName != "batch-a" {
		t.Errorf("manifest file name = %q, want batch-a", m.FileName)
	}
	if m.FileSize != int64(len(fileA)) {
		t.Errorf("manifest file size = %d, want %d", m.FileSize, len(fileA))
	}
	if m.ProcessedAt == 0 {
		t.Error("manifest processed_at not set")
	}
}

func TestProcessFile_SkipsDuplicateContent(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore("order_id")
	proc := NewProcessor(testEntity(), store, zerolog.Nop())

	first := writeCSV(t, dir, "batch-a.csv", fileA)
	if res := proc.ProcessFile(context.Background(), first); res.Outcome != OutcomeDone {
		t.Fatalf("first run outcome = %v, want done", res.Outcome)
	}
	stageCallsAfterFirst := store.stageCalls

	// Same bytes under a different name must still be skipped.
	second := writeCSV(t, dir, "batch-a-redelivered.csv", fileA)
	res := proc.ProcessFile(context.Background(), second)

	if res.Outcome != OutcomeSkipped {
		t.Fatalf("second run outcome = %v, want skipped", res.Outcome)
	}
	if store.manifestCount() != 1 {
		t.Errorf("manifest rows = %d, want 1", store.manifestCount())
	}
	if store.stageCalls != stageCallsAfterFirst {
		t.Errorf("stage calls = %d, want %d (no writes on skip)", store.stageCalls, stageCallsAfterFirst)
	}
	if status, _ := store.targetStatus("1"); status != "PENDING" {
		t.Errorf("target status = %q, want PENDING", status)
	}
}

// Mirrors the full order scenario: ingest, redeliver, newer update, stale write.
func TestProcessFile_MonotonicMerge(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore("order_id")
	proc := NewProcessor(testEntity(), store, zerolog.Nop())
	ctx := context.Background()

	pathA := writeCSV(t, dir, "a.csv", fileA)
	if res := proc.ProcessFile(ctx, pathA); res.Outcome != OutcomeDone {
		t.Fatalf("file A outcome = %v, want done", res.Outcome)
	}

	if res := proc.ProcessFile(ctx, pathA); res.Outcome != OutcomeSkipped {
		t.Fatalf("file A rerun outcome = %v, want skipped", res.Outcome)
	}

	pathB := writeCSV(t, dir, "b.csv", "order_id,status,processed_at\n1,SHIPPED,200\n")
	if res := proc.ProcessFile(ctx, pathB); res.Outcome != OutcomeDone || res.Rows != 1 {
		t.Fatalf("file B outcome = %v rows = %d, want done/1", res.Outcome, res.Rows)
	}
	if status, _ := store.targetStatus("1"); status != "SHIPPED" {
		t.Fatalf("after B: status = %q, want SHIPPED", status)
	}

	// Older timestamp, different digest: ingested but the stale write is rejected.
	pathC := writeCSV(t, dir, "c.csv", "order_id,status,processed_at\n1,CANCELLED,50\n")
	res := proc.ProcessFile(ctx, pathC)
	if res.Outcome != OutcomeDone {
		t.Fatalf("file C outcome = %v, want done", res.Outcome)
	}
	if res.Rows != 0 {
		t.Errorf("file C merged rows = %d, want 0", res.Rows)
	}
	if status, _ := store.targetStatus("1"); status != "SHIPPED" {
		t.Errorf("after C: status = %q, want SHIPPED (stale write rejected)", status)
	}
	if store.manifestCount() != 3 {
		t.Errorf("manifest rows = %d, want 3", store.manifestCount())
	}
}

func TestProcessFile_FailsClosedOnCheckError(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore("order_id")
	store.checkErr = errors.New("connection reset")
	proc := NewProcessor(testEntity(), store, zerolog.Nop())

	res := proc.ProcessFile(context.Background(), writeCSV(t, dir, "a.csv", fileA))

	if res.Outcome != OutcomeFailed || res.Step != StepCheck {
		t.Fatalf("outcome = %v step = %v, want failed/check", res.Outcome, res.Step)
	}
	if store.stageCalls != 0 {
		t.Errorf("stage calls = %d, want 0 (fail closed)", store.stageCalls)
	}
	if store.manifestCount() != 0 {
		t.Errorf("manifest rows = %d, want 0", store.manifestCount())
	}
}

func TestProcessFile_RollsBackOnStepFailure(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*fakeStore)
		wantStep Step
	}{
		{"stage failure", func(s *fakeStore) { s.stageErr = errors.New("malformed row") }, StepStage},
		{"record failure", func(s *fakeStore) { s.recordErr = errors.New("constraint violation") }, StepRecord},
		{"merge failure", func(s *fakeStore) { s.mergeErr = errors.New("type mismatch") }, StepMerge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			store := newFakeStore("order_id")
			tt.setup(store)
			proc := NewProcessor(testEntity(), store, zerolog.Nop())

			res := proc.ProcessFile(context.Background(), writeCSV(t, dir, "a.csv", fileA))

			if res.Outcome != OutcomeFailed {
				t.Fatalf("outcome = %v, want failed", res.Outcome)
			}
			if res.Step != tt.wantStep {
				t.Errorf("step = %v, want %v", res.Step, tt.wantStep)
			}
			if res.Err == nil {
				t.Error("result error not set")
			}
			// The whole transaction rolls back: no manifest row, no target rows.
			if store.manifestCount() != 0 {
				t.Errorf("manifest rows = %d, want 0 after rollback", store.manifestCount())
			}
			if _, ok := store.targetStatus("1"); ok {
				t.Error("target row present after rollback")
			}
		})
	}
}

func TestProcessFile_MissingFile(t *testing.T) {
	store := newFakeStore("order_id")
	proc := NewProcessor(testEntity(), store, zerolog.Nop())

	res := proc.ProcessFile(context.Background(), filepath.Join(t.TempDir(), "gone.csv"))

	if res.Outcome != OutcomeFailed || res.Step != StepDigest {
		t.Fatalf("outcome = %v step = %v, want failed/digest", res.Outcome, res.Step)
	}
}

func TestStepAndOutcomeStrings(t *testing.T) {
	steps := map[Step]string{
		StepDigest: "digest",
		StepCheck:  "check",
		StepStage:  "stage",
		StepRecord: "record",
		StepMerge:  "merge",
	}
	for step, want := range steps {
		if got := step.String(); got != want {
			t.Errorf("Step(%d).String() = %q, want %q", step, got, want)
		}
	}
	if got := OutcomeDone.String(); got != "done" {
		t.Errorf("OutcomeDone.String() = %q, want done", got)
	}
	if !strings.Contains(OutcomeSkipped.String(), "skip") {
		t.Errorf("OutcomeSkipped.String() = %q", OutcomeSkipped.String())
	}
}

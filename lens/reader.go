package lens

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// RunStats summarizes a run's inputs for progress reporting only.
type RunStats struct {
	TestCount         int `json:"test_count"`
	CoverageLineCount int `json:"coverage_line_count"`
	UniqueFiles       int `json:"unique_files"`
}

// TestRunReader yields the test records of one run. Implementations must
// buffer the records so the engine can traverse them more than once.
type TestRunReader interface {
	// ReadRun returns the run stats and the full buffered record list.
	ReadRun(ctx context.Context, runID string) (RunStats, []TestRecord, error)
}

// computeRunStats derives the progress stats from buffered records.
func computeRunStats(tests []TestRecord) RunStats {
	lines := make(map[string]struct{})
	files := make(map[string]struct{})
	for _, test := range tests {
		for _, cl := range test.CoverageLines {
			lines[cl.Key()] = struct{}{}
			files[cl.File] = struct{}{}
		}
	}
	return RunStats{
		TestCount:         len(tests),
		CoverageLineCount: len(lines),
		UniqueFiles:       len(files),
	}
}

// jsonTestRecord is the ingestion wire form; coverage lines arrive as
// canonical "<file>:<line>" keys.
type jsonTestRecord struct {
	TestID         string   `json:"test_id"`
	Path           string   `json:"path"`
	Method         string   `json:"method"`
	ExecTimeMs     int64    `json:"exec_time_ms"`
	RecentFailRate float64  `json:"recent_fail_rate"`
	SourceText     string   `json:"source_text"`
	CoverageLines  []string `json:"coverage_lines"`
}

type jsonRunFile struct {
	RunID string           `json:"run_id"`
	Tests []jsonTestRecord `json:"tests"`
}

// JSONRunReader ingests a run from a single JSON file. The runID argument
// is validated against the file's run_id when both are set.
type JSONRunReader struct {
	Path string
}

func (r *JSONRunReader) ReadRun(_ context.Context, runID string) (RunStats, []TestRecord, error) {
	raw, err := os.ReadFile(r.Path)
	if err != nil {
		return RunStats{}, nil, &StoreError{Cause: err}
	}
	var file jsonRunFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return RunStats{}, nil, &StoreError{Cause: fmt.Errorf("parse run file %s: %w", r.Path, err)}
	}
	if runID != "" && file.RunID != "" && file.RunID != runID {
		return RunStats{}, nil, &StoreError{Cause: fmt.Errorf("run file %s holds run %q, requested %q", r.Path, file.RunID, runID)}
	}

	tests := make([]TestRecord, len(file.Tests))
	for i, wire := range file.Tests {
		record := TestRecord{
			TestID:         wire.TestID,
			Path:           wire.Path,
			Method:         wire.Method,
			ExecTimeMs:     wire.ExecTimeMs,
			RecentFailRate: wire.RecentFailRate,
			SourceText:     wire.SourceText,
			CoverageLines:  make([]CoverageLine, 0, len(wire.CoverageLines)),
		}
		for _, key := range wire.CoverageLines {
			cl, err := ParseCoverageLine(key)
			if err != nil {
				return RunStats{}, nil, &StoreError{Cause: fmt.Errorf("test %s: %w", wire.TestID, err)}
			}
			record.CoverageLines = append(record.CoverageLines, cl)
		}
		tests[i] = record
	}
	return computeRunStats(tests), tests, nil
}

const testRecordKeyPrefix = "test;"

// WriteRun persists a run's test records into storage under the run's key
// prefix, one msgpack blob per test.
func WriteRun(store Storage, runID string, tests []TestRecord) error {
	runStore := KeyPrefixStorage(store, runID)
	for _, test := range tests {
		blob, err := msgpack.Marshal(test)
		if err != nil {
			return fmt.Errorf("encode test %s: %w", test.TestID, err)
		}
		if err := runStore.SaveState(testRecordKeyPrefix+test.TestID, blob); err != nil {
			return fmt.Errorf("save test %s: %w", test.TestID, err)
		}
	}
	return nil
}

// StorageRunReader reads a run's records back from storage. Test records
// that carry only a source path have their source text resolved from
// disk through a size-bounded cache, since many test methods usually
// share one source file.
type StorageRunReader struct {
	Store Storage

	sourceCache *ristretto.Cache[string, string]
}

// NewStorageRunReader creates a reader over the given storage with a
// source-file cache limited to cacheMB megabytes.
func NewStorageRunReader(store Storage, cacheMB int) (*StorageRunReader, error) {
	if cacheMB < 1 {
		cacheMB = 1
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 1 << 16,
		MaxCost:     int64(cacheMB) << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create source cache failed: %w", err)
	}
	return &StorageRunReader{Store: store, sourceCache: cache}, nil
}

func (r *StorageRunReader) ReadRun(ctx context.Context, runID string) (RunStats, []TestRecord, error) {
	runStore := KeyPrefixStorage(r.Store, runID)
	keys, err := runStore.ListKeysPrefix(testRecordKeyPrefix)
	if err != nil {
		return RunStats{}, nil, &StoreError{Cause: err}
	}
	sort.Strings(keys)

	tests := make([]TestRecord, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return RunStats{}, nil, ErrCancelled
		}
		blob, ok, err := runStore.LoadState(key)
		if err != nil {
			return RunStats{}, nil, &StoreError{Cause: err}
		} else if !ok {
			return RunStats{}, nil, &StoreError{Cause: fmt.Errorf("test record %s vanished from run %s", key, runID)}
		}
		var record TestRecord
		if err := msgpack.Unmarshal(blob, &record); err != nil {
			return RunStats{}, nil, &StoreError{Cause: fmt.Errorf("decode test record %s: %w", key, err)}
		}
		if record.SourceText == "" && looksLikeFilePath(record.Path) && FileExists(record.Path) {
			record.SourceText = r.resolveSource(record.Path)
		}
		tests = append(tests, record)
	}
	return computeRunStats(tests), tests, nil
}

// resolveSource loads a source file through the cache; read failures fall
// back to empty source, which the vectorizer handles as unavailable.
func (r *StorageRunReader) resolveSource(path string) string {
	if cached, ok := r.sourceCache.Get(path); ok {
		return cached
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	content := string(raw)
	r.sourceCache.Set(path, content, int64(len(content)))
	return content
}

// Close frees the source cache.
func (r *StorageRunReader) Close() {
	r.sourceCache.Close()
}

// SliceRunReader serves records already in memory; used by tests and by
// callers that ingest through their own path.
type SliceRunReader struct {
	Tests []TestRecord
}

func (r *SliceRunReader) ReadRun(context.Context, string) (RunStats, []TestRecord, error) {
	return computeRunStats(r.Tests), r.Tests, nil
}

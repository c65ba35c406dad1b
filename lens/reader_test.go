package lens

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRunReader(t *testing.T) {
	t.Parallel()

	t.Run("valid_run_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"run_id": "nightly-7",
			"tests": [
				{
					"test_id": "UserTest::testCreate",
					"path": "UserTest",
					"method": "testCreate",
					"exec_time_ms": 120,
					"recent_fail_rate": 0.05,
					"source_text": "function testCreate() {}",
					"coverage_lines": ["user.php:10", "user.php:11", "service.php:3"]
				},
				{
					"test_id": "UserTest::testDelete",
					"path": "UserTest",
					"method": "testDelete",
					"coverage_lines": ["user.php:10"]
				}
			]
		}`), 0644))

		stats, tests, err := (&JSONRunReader{Path: path}).ReadRun(context.Background(), "nightly-7")
		require.NoError(t, err)
		assert.Equal(t, RunStats{TestCount: 2, CoverageLineCount: 3, UniqueFiles: 2}, stats)
		require.Len(t, tests, 2)
		assert.Equal(t, "UserTest::testCreate", tests[0].TestID)
		assert.Equal(t, int64(120), tests[0].ExecTimeMs)
		assert.Equal(t, CoverageLine{File: "user.php", Line: 10}, tests[0].CoverageLines[0])
	})

	t.Run("run_id_mismatch", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"run_id":"other","tests":[]}`), 0644))

		_, _, err := (&JSONRunReader{Path: path}).ReadRun(context.Background(), "nightly-7")
		var storeErr *StoreError
		assert.ErrorAs(t, err, &storeErr)
	})

	t.Run("invalid_coverage_key", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.json")
		require.NoError(t, os.WriteFile(path, []byte(
			`{"tests":[{"test_id":"T::a","coverage_lines":["nocolon"]}]}`), 0644))

		_, _, err := (&JSONRunReader{Path: path}).ReadRun(context.Background(), "")
		var storeErr *StoreError
		assert.ErrorAs(t, err, &storeErr)
	})

	t.Run("missing_file", func(t *testing.T) {
		_, _, err := (&JSONRunReader{Path: filepath.Join(t.TempDir(), "gone.json")}).
			ReadRun(context.Background(), "")
		var storeErr *StoreError
		assert.ErrorAs(t, err, &storeErr)
	})
}

func TestParseCoverageLine(t *testing.T) {
	t.Parallel()

	line, err := ParseCoverageLine("src/user.php:42")
	require.NoError(t, err)
	assert.Equal(t, CoverageLine{File: "src/user.php", Line: 42}, line)
	assert.Equal(t, "src/user.php:42", line.Key())

	for _, invalid := range []string{"", "nocolon", "file:", ":7", "file:zero", "file:-3"} {
		_, err := ParseCoverageLine(invalid)
		assert.Error(t, err, invalid)
	}
}

func TestWriteRunStorageRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewMemStorage()
	tests := []TestRecord{
		{
			TestID: "UserTest::testCreate", Path: "UserTest", Method: "testCreate",
			ExecTimeMs: 75, RecentFailRate: 0.1, SourceText: "function testCreate() {}",
			CoverageLines: []CoverageLine{{File: "user.php", Line: 10}},
		},
		{
			TestID: "UserTest::testDelete", Path: "UserTest", Method: "testDelete",
			CoverageLines: []CoverageLine{{File: "user.php", Line: 20}},
		},
	}
	require.NoError(t, WriteRun(store, "run-9", tests))

	reader, err := NewStorageRunReader(store, 16)
	require.NoError(t, err)
	defer reader.Close()

	stats, loaded, err := reader.ReadRun(context.Background(), "run-9")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TestCount)
	require.Len(t, loaded, 2)
	// records come back sorted by key
	assert.Equal(t, "UserTest::testCreate", loaded[0].TestID)
	assert.Equal(t, tests[0], loaded[0])
	assert.Equal(t, tests[1], loaded[1])

	// a different run prefix sees nothing
	stats, loaded, err = reader.ReadRun(context.Background(), "run-10")
	require.NoError(t, err)
	assert.Zero(t, stats.TestCount)
	assert.Empty(t, loaded)
}

func TestStorageRunReaderResolvesSource(t *testing.T) {
	t.Parallel()

	sourcePath := filepath.Join(t.TempDir(), "UserTest.php")
	require.NoError(t, os.WriteFile(sourcePath, []byte(sampleTestSource), 0644))

	store := NewMemStorage()
	require.NoError(t, WriteRun(store, "run-src", []TestRecord{
		{TestID: "UserTest::testLoginSuccess", Path: sourcePath, Method: "testLoginSuccess"},
	}))

	reader, err := NewStorageRunReader(store, 16)
	require.NoError(t, err)
	defer reader.Close()

	_, loaded, err := reader.ReadRun(context.Background(), "run-src")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, sampleTestSource, loaded[0].SourceText)

	// second read serves the cached content
	_, loaded, err = reader.ReadRun(context.Background(), "run-src")
	require.NoError(t, err)
	assert.Equal(t, sampleTestSource, loaded[0].SourceText)
}

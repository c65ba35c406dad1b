package lens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleFeatures(t *testing.T) {
	t.Parallel()

	tests := []TestRecord{
		{
			TestID:     "UserTest::testCreate",
			Path:       "UserTest",
			Method:     "testCreate",
			ExecTimeMs: 120,
			CoverageLines: []CoverageLine{
				{File: "user.php", Line: 10},
				{File: "user.php", Line: 11},
				{File: "user.php", Line: 10}, // duplicate collapses
			},
		},
		{
			TestID: "UserTest::testDelete",
			Path:   "UserTest",
			Method: "testDelete",
		},
	}
	vectors := map[string][]float64{
		"UserTest::testCreate": {1, 0},
		"UserTest::testDelete": {0, 1},
	}

	features := AssembleFeatures(tests, vectors)
	require.Len(t, features, 2)

	create := features[0]
	assert.Equal(t, "UserTest::testCreate", create.TestID)
	assert.Equal(t, []float64{1, 0}, create.Vector)
	assert.Equal(t, []string{"user.php:10", "user.php:11"}, create.Metadata.CoverageLines)
	assert.Equal(t, 2, create.Metadata.LinesCovered)
	assert.Equal(t, int64(120), create.Metadata.ExecutionTimeMs)
	assert.Equal(t, "UserTest", create.Metadata.Path)
	assert.Equal(t, "testCreate", create.Metadata.Method)

	empty := features[1]
	assert.Empty(t, empty.Metadata.CoverageLines)
	assert.Zero(t, empty.Metadata.LinesCovered)
}

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	t.Run("input_file", func(t *testing.T) {
		config, options, err := ParseFlags([]string{"-input", "run.json", "-algorithm", "dbscan",
			"-format", "markdown", "-eps", "0.4", "-output", "out.md"})
		require.NoError(t, err)

		assert.Equal(t, "run.json", options.InputFile)
		assert.Equal(t, "out.md", options.OutputFile)
		assert.Equal(t, "dbscan", config.Algorithm)
		assert.Equal(t, "markdown", config.OutputFormat)
		require.NotNil(t, config.DBSCANEps)
		assert.InDelta(t, 0.4, *config.DBSCANEps, 1e-9)
		assert.Nil(t, config.HierarchicalNClusters)
		require.NoError(t, config.Prepare())
	})

	t.Run("store_run", func(t *testing.T) {
		config, options, err := ParseFlags([]string{"-storedir", "./runs", "-run", "nightly-3",
			"-nclusters", "4", "-linkage", "average"})
		require.NoError(t, err)

		assert.Equal(t, "./runs", options.StoreDir)
		assert.Equal(t, "nightly-3", options.RunID)
		require.NotNil(t, config.HierarchicalNClusters)
		assert.Equal(t, 4, *config.HierarchicalNClusters)
		assert.Equal(t, "average", config.HierarchicalLinkage)
	})

	t.Run("collaborator_command", func(t *testing.T) {
		_, options, err := ParseFlags([]string{"-input", "run.json", "python3", "cluster.py"})
		require.NoError(t, err)
		assert.Equal(t, []string{"python3", "cluster.py"}, options.ClusterCommand)
	})

	t.Run("ingest", func(t *testing.T) {
		_, options, err := ParseFlags([]string{"-ingest", "-input", "run.json",
			"-storedir", "./runs", "-run", "nightly-3"})
		require.NoError(t, err)
		assert.True(t, options.Ingest)

		_, _, err = ParseFlags([]string{"-ingest", "-input", "run.json"})
		assert.Error(t, err)
	})

	t.Run("missing_input", func(t *testing.T) {
		_, _, err := ParseFlags(nil)
		assert.Error(t, err)
	})

	t.Run("conflicting_inputs", func(t *testing.T) {
		_, _, err := ParseFlags([]string{"-input", "run.json", "-storedir", "./runs", "-run", "r1"})
		assert.Error(t, err)
	})
}

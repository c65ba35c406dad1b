package lens

// AssembleFeatures binds each test to its semantic vector and metadata.
// Metadata carries the raw pre-exclusion coverage keys so the analyzer's
// coverage-preservation check sees the full sets. Records are emitted in
// input order.
func AssembleFeatures(tests []TestRecord, vectors map[string][]float64) []FeatureRecord {
	features := make([]FeatureRecord, len(tests))
	for i, test := range tests {
		lineKeys := test.LineKeys()
		features[i] = FeatureRecord{
			TestID: test.TestID,
			Vector: vectors[test.TestID],
			Metadata: FeatureMetadata{
				CoverageLines:   lineKeys,
				ExecutionTimeMs: test.ExecTimeMs,
				LinesCovered:    len(lineKeys),
				Path:            test.Path,
				Method:          test.Method,
			},
		}
	}
	return features
}

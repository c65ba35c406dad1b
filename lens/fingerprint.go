package lens

import (
	"hash/fnv"
	"math"
	"sort"
	"sync"
)

const (
	// lineHashCacheLimit bounds the per-line hash cache entry count.
	lineHashCacheLimit = 10000
	// lineHashCacheEvictFraction is the share of least-recently-used
	// entries dropped in a single pass when the cache overflows.
	lineHashCacheEvictFraction = 0.2
)

// FingerprintConfig controls coverage fingerprint construction.
type FingerprintConfig struct {
	// ExcludeSharedCoverage removes lines covered by most tests before
	// sketching.
	ExcludeSharedCoverage bool
	// UseIdfWeighting divides per-position hashes by the line IDF so
	// rare lines are more likely to win the per-position minimum.
	UseIdfWeighting bool
}

// DefaultFingerprintConfig enables shared-line exclusion and IDF weighting.
func DefaultFingerprintConfig() FingerprintConfig {
	return FingerprintConfig{ExcludeSharedCoverage: true, UseIdfWeighting: true}
}

// hashSeed is one of the 256 per-position hash parameter triples.
type hashSeed struct {
	a, b, c uint32
}

// FingerprintBuilder produces MinHash coverage sketches for a run. The
// hash cache is owned by the builder and freed with it; correctness
// never depends on the cache.
type FingerprintBuilder struct {
	config FingerprintConfig
	seeds  [FingerprintSize]hashSeed
	cache  *lineHashCache
}

// NewFingerprintBuilder creates a builder with deterministic per-position
// hash seeds. The same seeds are reused for every test in the run.
func NewFingerprintBuilder(config FingerprintConfig) *FingerprintBuilder {
	b := &FingerprintBuilder{
		config: config,
		cache:  newLineHashCache(lineHashCacheLimit),
	}
	for i := range b.seeds {
		// splitmix-style expansion of the position index; constants are
		// implementation-defined, only within-run reproducibility matters
		b.seeds[i] = hashSeed{
			a: mix32(uint32(i)*3 + 1),
			b: mix32(uint32(i)*3 + 2),
			c: mix32(uint32(i)*3 + 3),
		}
	}
	return b
}

// mix32 is a fast avalanche mixer over 32 bits.
func mix32(x uint32) uint32 {
	x ^= x >> 16
	x *= 0x7feb352d
	x ^= x >> 15
	x *= 0x846ca68b
	x ^= x >> 16
	return x
}

// Build produces one fingerprint per test. Tests whose line set is empty
// after shared-line exclusion receive the zero vector.
func (b *FingerprintBuilder) Build(tests []TestRecord) map[string]Fingerprint {
	lineSets := make([][]string, len(tests))
	for i, test := range tests {
		lineSets[i] = test.LineKeys()
	}

	// document frequency per line key across the run
	df := make(map[string]int)
	for _, lines := range lineSets {
		for _, key := range lines {
			df[key]++
		}
	}

	n := len(tests)
	if b.config.ExcludeSharedCoverage {
		threshold := sharedLineThreshold(n)
		for i, lines := range lineSets {
			kept := lines[:0]
			for _, key := range lines {
				if float64(df[key]) < threshold {
					kept = append(kept, key)
				}
			}
			lineSets[i] = kept
		}
	}

	var idf map[string]float64
	if b.config.UseIdfWeighting {
		idf = make(map[string]float64)
		for _, lines := range lineSets {
			for _, key := range lines {
				if _, ok := idf[key]; ok {
					continue
				}
				freq := df[key]
				if freq <= 0 {
					panic("line present with zero document frequency: " + key)
				}
				idf[key] = math.Log(float64(n)/float64(freq)) + 1
			}
		}
	}

	fingerprints := make(map[string]Fingerprint, len(tests))
	for i, test := range tests {
		fingerprints[test.TestID] = b.signature(lineSets[i], idf)
	}
	return fingerprints
}

// signature computes the weighted MinHash signature of one line set.
func (b *FingerprintBuilder) signature(lines []string, idf map[string]float64) Fingerprint {
	signature := make(Fingerprint, FingerprintSize)
	if len(lines) == 0 {
		return signature
	}

	minimums := make([]float64, FingerprintSize)
	for i := range minimums {
		minimums[i] = math.Inf(1)
	}
	for _, key := range lines {
		hashes := b.lineHashes(key)
		weight := 1.0
		if idf != nil {
			weight = idf[key]
		}
		for i, h := range hashes {
			weighted := float64(h) / weight
			if weighted < minimums[i] {
				minimums[i] = weighted
			}
		}
	}
	for i, m := range minimums {
		signature[i] = m / float64(math.MaxUint32)
	}
	return signature
}

// lineHashes returns the 256 unweighted position hashes for a line key.
func (b *FingerprintBuilder) lineHashes(key string) []uint32 {
	if cached, ok := b.cache.get(key); ok {
		return cached
	}

	h1Hash := fnv.New32a()
	_, _ = h1Hash.Write([]byte(key))
	h1 := h1Hash.Sum32()
	h2Hash := fnv.New32()
	_, _ = h2Hash.Write([]byte(key))
	h2 := h2Hash.Sum32()

	hashes := make([]uint32, FingerprintSize)
	for i, seed := range b.seeds {
		hashes[i] = (h1*seed.a + h2*seed.b) ^ seed.c
	}
	b.cache.put(key, hashes)
	return hashes
}

// sharedLineThreshold returns the document-frequency cutoff at or above
// which a line is treated as shared infrastructure and excluded.
func sharedLineThreshold(n int) float64 {
	nf := float64(n)
	switch {
	case n > 100:
		return math.Max(0.6*nf, 60)
	case n > 50:
		return math.Max(0.7*nf, 35)
	default:
		return math.Max(0.8*nf, 2)
	}
}

// lineHashCache is a bounded LRU of per-line hash arrays. On overflow the
// least-recently-used 20% of entries are dropped in one pass.
type lineHashCache struct {
	mu      sync.Mutex
	limit   int
	tick    int64
	entries map[string]*lineHashEntry
}

type lineHashEntry struct {
	hashes  []uint32
	lastUse int64
}

func newLineHashCache(limit int) *lineHashCache {
	return &lineHashCache{
		limit:   limit,
		entries: make(map[string]*lineHashEntry),
	}
}

func (c *lineHashCache) get(key string) ([]uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.tick++
	entry.lastUse = c.tick
	return entry.hashes, true
}

func (c *lineHashCache) put(key string, hashes []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.limit {
		c.evictLocked()
	}
	c.tick++
	c.entries[key] = &lineHashEntry{hashes: hashes, lastUse: c.tick}
}

func (c *lineHashCache) evictLocked() {
	type aged struct {
		key     string
		lastUse int64
	}
	byAge := make([]aged, 0, len(c.entries))
	for key, entry := range c.entries {
		byAge = append(byAge, aged{key: key, lastUse: entry.lastUse})
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].lastUse < byAge[j].lastUse })
	drop := int(float64(len(byAge)) * lineHashCacheEvictFraction)
	if drop < 1 {
		drop = 1
	}
	for _, entry := range byAge[:drop] {
		delete(c.entries, entry.key)
	}
}

func (c *lineHashCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

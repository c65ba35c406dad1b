package lens

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// semanticVocabularyLimit caps the shared vocabulary before the vectors
// are resized down to SemanticVectorSize.
const semanticVocabularyLimit = 768

// languageKeywords is the small fixed keyword set retained during
// tokenization.
var languageKeywords = map[string]bool{
	"function": true, "class": true, "if": true, "else": true, "for": true,
	"foreach": true, "while": true, "do": true, "switch": true, "case": true,
	"return": true, "try": true, "catch": true, "finally": true, "throw": true,
	"new": true, "public": true, "private": true, "protected": true, "static": true,
	"int": true, "float": true, "string": true, "bool": true, "array": true,
	"void": true, "true": true, "false": true, "null": true,
}

// testKeywords is the fixed test-semantics keyword set.
var testKeywords = map[string]bool{
	"success": true, "fail": true, "failure": true, "error": true,
	"valid": true, "invalid": true, "empty": true, "create": true,
	"update": true, "delete": true, "authorized": true, "unauthorized": true,
	"expect": true, "assert": true, "mock": true, "stub": true, "spy": true,
	"setup": true, "teardown": true, "fixture": true,
}

// meaningfulVariables is the fixed set of identifiers kept verbatim.
var meaningfulVariables = map[string]bool{
	"password": true, "user": true, "email": true, "id": true,
	"status": true, "response": true, "request": true, "token": true,
	"data": true, "result": true, "code": true, "name": true,
}

var (
	blockCommentRe  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineCommentRe   = regexp.MustCompile(`(?m)(//|#).*$`)
	doubleStringRe  = regexp.MustCompile(`"(?:[^"\\]|\\.)*"`)
	singleStringRe  = regexp.MustCompile(`'(?:[^'\\]|\\.)*'`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
	wordOrNumberRe  = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*|[0-9]+(?:\.[0-9]+)?`)
	pascalCaseRe    = regexp.MustCompile(`^[A-Z][a-z0-9]+(?:[A-Z][a-zA-Z0-9]*)*$`)
	fileExtensionRe = regexp.MustCompile(`\.[A-Za-z0-9]+$`)
)

// BuildSemanticVectors tokenizes every test's source and produces one
// L2-normalized TF-IDF vector per test over a shared vocabulary. The
// returned vocabulary preserves the run's term ordering. An empty corpus
// yields no vectors.
func BuildSemanticVectors(tests []TestRecord) (map[string][]float64, []string, error) {
	if len(tests) == 0 {
		return map[string][]float64{}, nil, nil
	}

	documents := make([][]string, len(tests))
	for i, test := range tests {
		if test.SourceText == "" && looksLikeFilePath(test.Path) && !FileExists(test.Path) {
			return nil, nil, &VectorizationError{TestID: test.TestID}
		}
		documents[i] = tokenizeTestSource(test.Path, test.Method, test.SourceText)
	}

	vocabulary := buildVocabulary(documents)
	index := make(map[string]int, len(vocabulary))
	for i, term := range vocabulary {
		index[term] = i
	}

	// document frequency over vocabulary terms
	df := make([]int, len(vocabulary))
	for _, tokens := range documents {
		seen := make(map[int]bool)
		for _, token := range tokens {
			if idx, ok := index[token]; ok && !seen[idx] {
				seen[idx] = true
				df[idx]++
			}
		}
	}
	n := float64(len(tests))
	idf := make([]float64, len(vocabulary))
	for i, freq := range df {
		if freq > 0 {
			idf[i] = math.Log(n/float64(freq)) + 1
		}
	}

	vectors := make(map[string][]float64, len(tests))
	for i, test := range tests {
		vectors[test.TestID] = vectorizeDocument(documents[i], index, idf)
	}
	return vectors, vocabulary, nil
}

// buildVocabulary selects the top corpus terms by total occurrence count
// and orders them lexicographically for positional comparability.
func buildVocabulary(documents [][]string) []string {
	counts := make(map[string]int)
	for _, tokens := range documents {
		for _, token := range tokens {
			counts[token]++
		}
	}
	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > semanticVocabularyLimit {
		terms = terms[:semanticVocabularyLimit]
	}
	sort.Strings(terms)
	return terms
}

// vectorizeDocument produces the fixed-size normalized TF-IDF vector of
// one tokenized document.
func vectorizeDocument(tokens []string, index map[string]int, idf []float64) []float64 {
	tfidf := make([]float64, len(idf))
	if len(tokens) > 0 {
		counts := make(map[int]int)
		for _, token := range tokens {
			if idx, ok := index[token]; ok {
				counts[idx]++
			}
		}
		total := float64(len(tokens))
		for idx, count := range counts {
			tfidf[idx] = float64(count) / total * idf[idx]
		}
	}

	var norm float64
	for _, v := range tfidf {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range tfidf {
			tfidf[i] /= norm
		}
	}

	// positional prefix or zero padding keeps positions comparable
	vector := make([]float64, SemanticVectorSize)
	copy(vector, tfidf)
	return vector
}

// tokenizeTestSource produces the normalized token bag of one test. A
// synthetic "test_method <method>" marker always contributes so source
// without a body still yields a non-empty document.
func tokenizeTestSource(path, method, source string) []string {
	body := extractMethodBody(source, method)
	if body == "" {
		body = path + " " + method
	}
	doc := "test_method " + method + " " + body
	return tokenizeDocument(doc)
}

// extractMethodBody locates "function <method>(" and returns the balanced
// brace body, or an empty string when the method cannot be found.
func extractMethodBody(source, method string) string {
	if source == "" || method == "" {
		return ""
	}
	marker := "function " + method + "("
	start := strings.Index(source, marker)
	if start < 0 {
		return ""
	}
	open := strings.Index(source[start:], "{")
	if open < 0 {
		return ""
	}
	open += start
	depth := 0
	for i := open; i < len(source); i++ {
		switch source[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return source[open+1 : i]
			}
		}
	}
	return source[open+1:]
}

// tokenizeDocument cleans the text and keeps only the token classes that
// carry test semantics.
func tokenizeDocument(text string) []string {
	text = blockCommentRe.ReplaceAllString(text, " ")
	text = lineCommentRe.ReplaceAllString(text, " ")
	text = doubleStringRe.ReplaceAllString(text, `""`)
	text = singleStringRe.ReplaceAllString(text, "''")
	text = whitespaceRe.ReplaceAllString(text, " ")

	matches := wordOrNumberRe.FindAllStringIndex(text, -1)
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		word := text[m[0]:m[1]]
		if word[0] >= '0' && word[0] <= '9' {
			tokens = append(tokens, "num")
			continue
		}
		lower := strings.ToLower(word)
		switch {
		case languageKeywords[lower] || testKeywords[lower]:
			tokens = append(tokens, lower)
		case followedByCall(text, m[1]):
			tokens = append(tokens, "call_"+lower)
		case strings.HasPrefix(lower, "test"):
			// the test-keyword family keeps method names contributing
			// even when only the synthetic marker document exists
			tokens = append(tokens, lower)
		case strings.Contains(lower, "assert") || strings.Contains(lower, "expect"):
			tokens = append(tokens, lower)
		case pascalCaseRe.MatchString(word):
			tokens = append(tokens, "class_"+lower)
		case meaningfulVariables[lower]:
			tokens = append(tokens, lower)
		}
	}
	return tokens
}

// followedByCall reports whether the next non-space character is an
// opening parenthesis.
func followedByCall(text string, pos int) bool {
	for ; pos < len(text); pos++ {
		if text[pos] == ' ' {
			continue
		}
		return text[pos] == '('
	}
	return false
}

// looksLikeFilePath reports whether a test path refers to a source file
// rather than a class name.
func looksLikeFilePath(path string) bool {
	return strings.ContainsAny(path, `/\`) || fileExtensionRe.MatchString(path)
}

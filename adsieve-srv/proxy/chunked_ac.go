package proxy

import (
	ahocorasick "github.com/BobuSumisu/aho-corasick"

	"github.com/codefionn/adsieve/adsieve-srv/logger"
)

// chunkThreshold is the domain count above which the list is split across tries.
const chunkThreshold = 2048

// chunkedTrie splits a large domain list across several Aho-Corasick tries
// so that no single automaton grows unbounded. It is immutable once built.
type chunkedTrie struct {
	chunks     []*ahocorasick.Trie
	boundaries []int // Index into domains of each chunk's first pattern
	domains    []string
}

func newChunkedTrie(domains []string, chunkSize int) *chunkedTrie {
	ct := &chunkedTrie{domains: domains}
	if len(domains) == 0 {
		return ct
	}
	if chunkSize <= 0 || len(domains) <= chunkSize {
		ct.chunks = []*ahocorasick.Trie{ahocorasick.NewTrieBuilder().AddStrings(domains).Build()}
		ct.boundaries = []int{0}
		return ct
	}

	numChunks := (len(domains) + chunkSize - 1) / chunkSize
	logger.Info("Building chunked trie with %d domains split into %d chunks of ~%d domains each",
		len(domains), numChunks, chunkSize)

	ct.chunks = make([]*ahocorasick.Trie, 0, numChunks)
	ct.boundaries = make([]int, 0, numChunks)
	for start := 0; start < len(domains); start += chunkSize {
		end := start + chunkSize
		if end > len(domains) {
			end = len(domains)
		}
		ct.chunks = append(ct.chunks, ahocorasick.NewTrieBuilder().AddStrings(domains[start:end]).Build())
		ct.boundaries = append(ct.boundaries, start)
		logger.Trace("Built chunk %d/%d with %d domains", len(ct.chunks), numChunks, end-start)
	}
	return ct
}

// eachMatch calls fn with every (domain, position) occurrence in text until fn
// returns true. It reports whether fn accepted a match.
func (ct *chunkedTrie) eachMatch(text string, fn func(domain string, pos int) bool) bool {
	for i, chunk := range ct.chunks {
		for _, match := range chunk.MatchString(text) {
			idx := ct.boundaries[i] + int(match.Pattern())
			if idx < 0 || idx >= len(ct.domains) {
				continue
			}
			if fn(ct.domains[idx], int(match.Pos())) {
				return true
			}
		}
	}
	return false
}

func (ct *chunkedTrie) numChunks() int {
	return len(ct.chunks)
}

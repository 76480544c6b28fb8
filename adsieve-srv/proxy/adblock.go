package proxy

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codefionn/adsieve/adsieve-srv/logger"
)

// AdDomainMatcher answers exact-or-suffix queries against a set of blocked
// domains. Entries are stored lower-cased; callers lower-case hosts before
// querying. A matcher is safe for concurrent use and never mutated.
type AdDomainMatcher struct {
	trie *chunkedTrie
}

// NewAdDomainMatcher builds a matcher from raw entries. Entries are trimmed,
// lower-cased and de-duplicated; empty and '#' entries are skipped.
func NewAdDomainMatcher(domains []string) *AdDomainMatcher {
	seen := make(map[string]struct{}, len(domains))
	list := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" || strings.HasPrefix(d, "#") {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		list = append(list, d)
	}

	m := &AdDomainMatcher{trie: newChunkedTrie(list, chunkThreshold)}
	if len(list) > 0 {
		logger.Info("Created Aho-Corasick matcher with %d domains in %d chunk(s), estimated memory: %s",
			len(list), m.trie.numChunks(), formatMemorySize(m.MemoryEstimate()))
	}
	return m
}

// IsBlocked reports whether host equals an entry or ends with "." + entry.
func (m *AdDomainMatcher) IsBlocked(host string) bool {
	if m == nil || m.trie == nil || host == "" {
		return false
	}
	return m.trie.eachMatch(host, func(domain string, pos int) bool {
		if pos+len(domain) != len(host) {
			return false
		}
		return pos == 0 || host[pos-1] == '.'
	})
}

// Len returns the number of distinct entries.
func (m *AdDomainMatcher) Len() int {
	if m == nil || m.trie == nil {
		return 0
	}
	return len(m.trie.domains)
}

// Domains returns a sorted copy of the entries.
func (m *AdDomainMatcher) Domains() []string {
	if m == nil || m.trie == nil {
		return nil
	}
	out := make([]string, len(m.trie.domains))
	copy(out, m.trie.domains)
	sort.Strings(out)
	return out
}

// MemoryEstimate is a rough size of the tries in bytes.
func (m *AdDomainMatcher) MemoryEstimate() int64 {
	if m == nil || m.trie == nil {
		return 0
	}
	var patternBytes int64
	for _, d := range m.trie.domains {
		patternBytes += int64(len(d))
	}
	// One state per pattern byte at worst, each with a transition entry,
	// a failure link and an output slot.
	const stateOverhead = 64
	return patternBytes*stateOverhead + int64(len(m.trie.domains))*16
}

// LoadAdDomainsFile reads a newline-delimited host list. Empty lines and
// lines starting with '#' are skipped; every other line is lower-cased.
func LoadAdDomainsFile(filePath string) ([]string, error) {
	cleanPath := filepath.Clean(filePath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, NewConfigurationError(ErrCodeAdListLoadFailed, "invalid ad list path", err)
		}
		cleanPath = absPath
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, NewConfigurationError(ErrCodeAdListLoadFailed, fmt.Sprintf("failed to open %s", cleanPath), err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing ad list file: %v", closeErr)
		}
	}()

	var domains []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, strings.ToLower(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, NewConfigurationError(ErrCodeAdListLoadFailed, fmt.Sprintf("failed to read %s", cleanPath), err)
	}

	logger.Debug("Loaded %d ad domains from %s", len(domains), cleanPath)
	return domains, nil
}

// formatMemorySize formats a byte count into a human-readable string
func formatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

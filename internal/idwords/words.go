// Package idwords: human-readable client names drawn from an embedded word list.
package idwords

import (
	"crypto/rand"
	"embed"
	"encoding/binary"
	"strings"
	"sync"
)

//go:embed words.txt
var wordsFS embed.FS

// Sep joins words; ':' and ';' are header delimiters so names use '-'.
const Sep = "-"

// DefaultWords per generated client name.
const DefaultWords = 3

var (
	wordlist   []string
	wordset    map[string]bool
	wordlistMu sync.Once
)

func loadWordlist() {
	wordlistMu.Do(func() {
		b, _ := wordsFS.ReadFile("words.txt")
		wordset = make(map[string]bool)
		for _, w := range strings.Split(string(b), "\n") {
			w = strings.TrimSpace(w)
			if w == "" || wordset[w] {
				continue
			}
			wordlist = append(wordlist, w)
			wordset[w] = true
		}
	})
}

// Generate returns n random words joined by Sep (n<=0 -> DefaultWords).
func Generate(n int) string {
	loadWordlist()
	if len(wordlist) == 0 {
		return ""
	}
	if n <= 0 {
		n = DefaultWords
	}
	// 2 bytes per word for choice in [0, len)
	b := make([]byte, 2*n)
	rand.Read(b)
	parts := make([]string, n)
	for i := range parts {
		idx := int(binary.BigEndian.Uint16(b[i*2:])) % len(wordlist)
		parts[i] = wordlist[idx]
	}
	return strings.Join(parts, Sep)
}

// Valid true if s is n words from the list joined by Sep.
func Valid(s string, n int) bool {
	loadWordlist()
	if n <= 0 {
		n = DefaultWords
	}
	parts := strings.Split(s, Sep)
	if len(parts) != n {
		return false
	}
	for _, p := range parts {
		if p == "" || !wordset[p] {
			return false
		}
	}
	return true
}

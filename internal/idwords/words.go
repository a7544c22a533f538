// Package idwords: human-readable peer ids, five words from a fixed list.
package idwords

import (
	"crypto/rand"
	"embed"
	"strings"
	"sync"
)

// Sep joins the words of an id.
const Sep = "-"

// Words per id.
const Words = 5

//go:embed words.txt
var wordsFS embed.FS

var (
	wordlist []string
	wordset  map[string]bool
	loadOnce sync.Once
)

// list has exactly 256 entries so one random byte picks a word without bias.
func loadWordlist() {
	loadOnce.Do(func() {
		b, _ := wordsFS.ReadFile("words.txt")
		wordset = make(map[string]bool)
		for _, w := range strings.Split(strings.TrimSpace(string(b)), "\n") {
			w = strings.TrimSpace(w)
			if w == "" || wordset[w] {
				continue
			}
			wordlist = append(wordlist, w)
			wordset[w] = true
		}
	})
}

// Generate returns a new id word1-word2-word3-word4-word5.
func Generate() (string, error) {
	loadWordlist()
	b := make([]byte, Words)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	parts := make([]string, Words)
	for i, c := range b {
		parts[i] = wordlist[int(c)%len(wordlist)]
	}
	return strings.Join(parts, Sep), nil
}

// Valid true if s is Words words from the list joined by Sep.
func Valid(s string) bool {
	loadWordlist()
	parts := strings.Split(s, Sep)
	if len(parts) != Words {
		return false
	}
	for _, p := range parts {
		if !wordset[p] {
			return false
		}
	}
	return true
}

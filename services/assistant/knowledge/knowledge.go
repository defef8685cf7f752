// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package knowledge is the static grounding store for common questions:
// service descriptions, FAQs, and navigation help.
//
// The base sits on the synchronous enrichment path, so lookups must stay in
// single-digit-millisecond territory. The index is an immutable snapshot
// behind an atomic pointer: readers never take a lock, and reloads swap the
// whole snapshot in one store.
package knowledge

import (
	"sort"
	"strings"
	"sync/atomic"
	"unicode"
)

// Entry is one grounding fact. Content is owned by an external editorial
// flow; this package only reads it.
type Entry struct {
	ID       string   `yaml:"id"`
	Keywords []string `yaml:"keywords"`
	Answer   string   `yaml:"answer"`
	Category string   `yaml:"category"`

	// hits counts how often this entry was returned. Reporting only.
	hits atomic.Int64
}

// Hits returns how many times the entry has been served.
func (e *Entry) Hits() int64 { return e.hits.Load() }

// Snippet is a scored lookup result.
type Snippet struct {
	EntryID  string
	Answer   string
	Category string
	Score    float64
}

// categoryBoost is added to an entry's score when its category matches the
// query hint (typically the client's current page or feature area).
const categoryBoost = 1.5

// minScore is the lowest keyword-overlap score worth returning.
const minScore = 1.0

// Base is the keyword-indexed knowledge store.
type Base struct {
	snapshot atomic.Pointer[index]
}

// index is one immutable generation of the store.
type index struct {
	entries []*Entry
	// byKeyword maps a lowercase keyword to the entries carrying it.
	byKeyword map[string][]*Entry
}

// NewBase creates a Base over the given entries.
func NewBase(entries []*Entry) *Base {
	b := &Base{}
	b.Replace(entries)
	return b
}

// Replace atomically swaps in a new entry set. In-flight lookups finish
// against the old snapshot; hit counters start fresh on the new entries.
func (b *Base) Replace(entries []*Entry) {
	idx := &index{
		entries:   entries,
		byKeyword: make(map[string][]*Entry),
	}
	for _, e := range entries {
		for _, kw := range e.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			idx.byKeyword[kw] = append(idx.byKeyword[kw], e)
		}
	}
	b.snapshot.Store(idx)
}

// Len returns the number of entries in the current snapshot.
func (b *Base) Len() int {
	return len(b.snapshot.Load().entries)
}

// Lookup scores entries against the query and returns up to limit snippets,
// best first. categoryHint, when non-empty, boosts entries in the matching
// category. Returns nil when nothing clears the minimum score.
func (b *Base) Lookup(query, categoryHint string, limit int) []Snippet {
	if limit <= 0 {
		limit = 3
	}
	idx := b.snapshot.Load()

	scores := make(map[*Entry]float64)
	for _, tok := range tokenize(query) {
		for _, e := range idx.byKeyword[tok] {
			scores[e]++
		}
	}
	if len(scores) == 0 {
		return nil
	}

	hint := strings.ToLower(strings.TrimSpace(categoryHint))
	out := make([]Snippet, 0, len(scores))
	for e, score := range scores {
		if hint != "" && strings.ToLower(e.Category) == hint {
			score += categoryBoost
		}
		if score < minScore {
			continue
		}
		out = append(out, Snippet{
			EntryID:  e.ID,
			Answer:   e.Answer,
			Category: e.Category,
			Score:    score,
		})
	}
	if len(out) == 0 {
		return nil
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].EntryID < out[j].EntryID
	})
	if len(out) > limit {
		out = out[:limit]
	}

	for _, s := range out {
		for _, e := range idx.entries {
			if e.ID == s.EntryID {
				e.hits.Add(1)
				break
			}
		}
	}
	return out
}

// Best returns the single highest-scoring snippet, if any.
func (b *Base) Best(query, categoryHint string) (Snippet, bool) {
	res := b.Lookup(query, categoryHint, 1)
	if len(res) == 0 {
		return Snippet{}, false
	}
	return res[0], true
}

// tokenize lowercases the query and splits on anything that is not a letter
// or digit. Tokens shorter than 3 runes are dropped; they are almost always
// articles and prepositions that would match everything.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

package org

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

const (
	// AcceptScore is the lowest similarity accepted as the same organization.
	AcceptScore      = 50.0
	containmentScore = 90.0
)

// Similarity scores two normalized names in [0, 100] as the best of
// containment, token Jaccard and Levenshtein ratio.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 100
	}
	score := jaccard(a, b) * 100
	if strings.Contains(a, b) || strings.Contains(b, a) {
		score = max(score, containmentScore)
	}
	return max(score, levenshteinRatio(a, b)*100)
}

func jaccard(a, b string) float64 {
	as := make(map[string]bool)
	for _, t := range strings.Fields(a) {
		as[t] = true
	}
	bs := make(map[string]bool)
	for _, t := range strings.Fields(b) {
		bs[t] = true
	}
	inter := 0
	for t := range as {
		if bs[t] {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func levenshteinRatio(a, b string) float64 {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

type Candidate struct {
	ID   int64
	Name string
}

// BestMatch returns the highest scoring candidate at or above AcceptScore.
// Ties go to the longer name, then to the lower ID.
func BestMatch(name string, candidates []Candidate) (Candidate, float64, bool) {
	var (
		best      Candidate
		bestScore float64
		found     bool
	)
	for _, c := range candidates {
		s := Similarity(name, c.Name)
		if s < AcceptScore {
			continue
		}
		switch {
		case !found, s > bestScore,
			s == bestScore && len(c.Name) > len(best.Name),
			s == bestScore && len(c.Name) == len(best.Name) && c.ID < best.ID:
			best, bestScore, found = c, s, true
		}
	}
	return best, bestScore, found
}

// Package org maps free-text organization names onto canonical
// sofia.organizations rows.
package org

import (
	"strings"

	"github.com/malbeclabs/sofia/pkg/country"
)

type Type string

const (
	TypeUniversity     Type = "university"
	TypeResearchCenter Type = "research_center"
	TypeHospital       Type = "hospital"
	TypeSchool         Type = "school"
	TypeCompany        Type = "company"
	TypeLaboratory     Type = "laboratory"
)

var legalSuffixes = map[string]bool{
	"inc": true, "ltd": true, "sa": true, "gmbh": true, "llc": true, "ltda": true,
	"corp": true, "co": true, "plc": true, "ag": true, "srl": true, "bv": true,
}

// NormalizeName folds s to its matching form: lowercase, no diacritics, no
// punctuation, single spaces, trailing legal suffixes removed. A name made
// only of suffixes keeps its first token.
func NormalizeName(s string) string {
	folded := country.Fold(s)

	var b strings.Builder
	for _, r := range folded {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '/' || r == '_' || r == '\t' || r == '\n':
			b.WriteByte(' ')
		}
	}

	tokens := strings.Fields(b.String())
	for len(tokens) > 1 && legalSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

var typeRules = []struct {
	typ      Type
	tokens   []string
	prefixes []string
	phrases  []string
}{
	{typ: TypeUniversity, tokens: []string{"university", "universidade", "universidad", "universite", "universitat"}},
	{typ: TypeHospital, tokens: []string{"hospital", "hospitais"}},
	{typ: TypeSchool, tokens: []string{"school", "escola", "colegio"}},
	{typ: TypeLaboratory, tokens: []string{"lab", "labs"}, prefixes: []string{"laborat"}},
	{typ: TypeResearchCenter, phrases: []string{"research center", "research centre", "centro de pesquisa", "centro de investigacion", "research institute"}},
}

// InferType classifies a normalized name by keyword, defaulting to company.
func InferType(normalized string) Type {
	tokens := strings.Fields(normalized)
	padded := " " + normalized + " "
	for _, rule := range typeRules {
		for _, tok := range tokens {
			for _, want := range rule.tokens {
				if tok == want {
					return rule.typ
				}
			}
			for _, p := range rule.prefixes {
				if strings.HasPrefix(tok, p) {
					return rule.typ
				}
			}
		}
		for _, phrase := range rule.phrases {
			if strings.Contains(padded, " "+phrase+" ") {
				return rule.typ
			}
		}
	}
	return TypeCompany
}

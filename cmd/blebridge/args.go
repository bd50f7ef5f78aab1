// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"
	"strings"
)

// LiteralKind tags the parsed type of one console argument.
type LiteralKind int

const (
	LiteralString LiteralKind = iota
	LiteralInteger
	LiteralFloat
	LiteralBoolean
)

// Literal is one typed console argument. Exactly the field named by Kind is
// meaningful; Value converts to the protocol's wire representation.
type Literal struct {
	Kind LiteralKind
	Str  string
	Int  int64
	Flt  float64
	Bool bool
}

// Value returns the literal as a JSON-encodable protocol argument.
func (l Literal) Value() any {
	switch l.Kind {
	case LiteralInteger:
		return l.Int
	case LiteralFloat:
		return l.Flt
	case LiteralBoolean:
		return l.Bool
	default:
		return l.Str
	}
}

// splitWords splits a console line on whitespace, honoring double quotes.
// A quoted word keeps its quotes so parseLiteral can tell "42" from 42.
func splitWords(line string) ([]string, error) {
	var (
		words    []string
		current  strings.Builder
		inQuotes bool
		started  bool
	)

	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			started = true
			current.WriteRune(r)
		case (r == ' ' || r == '\t') && !inQuotes:
			if started {
				words = append(words, current.String())
				current.Reset()
				started = false
			}
		default:
			started = true
			current.WriteRune(r)
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quote")
	}
	if started {
		words = append(words, current.String())
	}
	return words, nil
}

// parseLiteral interprets one console word as a typed argument. Quoted words
// are always strings; bare words try boolean, then integer, then float, and
// fall back to string.
func parseLiteral(word string) Literal {
	if len(word) >= 2 && word[0] == '"' && word[len(word)-1] == '"' {
		return Literal{Kind: LiteralString, Str: strings.ReplaceAll(word[1:len(word)-1], `"`, "")}
	}

	switch word {
	case "true":
		return Literal{Kind: LiteralBoolean, Bool: true}
	case "false":
		return Literal{Kind: LiteralBoolean, Bool: false}
	}

	if n, err := strconv.ParseInt(word, 10, 64); err == nil {
		return Literal{Kind: LiteralInteger, Int: n}
	}
	if f, err := strconv.ParseFloat(word, 64); err == nil {
		return Literal{Kind: LiteralFloat, Flt: f}
	}
	return Literal{Kind: LiteralString, Str: word}
}

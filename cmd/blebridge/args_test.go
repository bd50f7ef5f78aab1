// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"reflect"
	"testing"
)

func TestSplitWords(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{
			name: "simple command",
			line: "sys info",
			want: []string{"sys", "info"},
		},
		{
			name: "extra whitespace",
			line: "  sys   info  ",
			want: []string{"sys", "info"},
		},
		{
			name: "quoted argument with spaces",
			line: `msg show "hello there" 5`,
			want: []string{"msg", "show", `"hello there"`, "5"},
		},
		{
			name: "empty line",
			line: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := splitWords(tt.line)
			if err != nil {
				t.Fatalf("splitWords(%q) error: %v", tt.line, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitWords(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

func TestSplitWordsUnterminatedQuote(t *testing.T) {
	if _, err := splitWords(`msg show "oops`); err == nil {
		t.Fatal("splitWords() with unterminated quote returned nil error")
	}
}

func TestParseLiteral(t *testing.T) {
	tests := []struct {
		word     string
		wantKind LiteralKind
		want     any
	}{
		{"42", LiteralInteger, int64(42)},
		{"-7", LiteralInteger, int64(-7)},
		{"3.5", LiteralFloat, 3.5},
		{"true", LiteralBoolean, true},
		{"false", LiteralBoolean, false},
		{`"42"`, LiteralString, "42"},
		{`"hello there"`, LiteralString, "hello there"},
		{"brightness", LiteralString, "brightness"},
	}

	for _, tt := range tests {
		got := parseLiteral(tt.word)
		if got.Kind != tt.wantKind {
			t.Errorf("parseLiteral(%q).Kind = %v, want %v", tt.word, got.Kind, tt.wantKind)
		}
		if got.Value() != tt.want {
			t.Errorf("parseLiteral(%q).Value() = %v (%T), want %v (%T)",
				tt.word, got.Value(), got.Value(), tt.want, tt.want)
		}
	}
}

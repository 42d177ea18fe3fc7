package mailing

import (
	"sort"
	"strings"

	"github.com/osteele/liquid"
	"github.com/osteele/liquid/render"

	"github.com/ignite/relay/internal/domain"
)

// UnknownVariables lists, sorted and deduplicated, the root variable names
// tpl reads that are neither recognized placeholders nor defined by the
// template itself through assign, capture, increment, decrement or a loop.
// Every expression is inspected: output tags, filter arguments, tag
// arguments and the clauses of if, unless and case blocks.
func UnknownVariables(tpl *liquid.Template) []string {
	s := &varScan{locals: make(map[string]bool), refs: make(map[string]bool)}
	s.walk(tpl.GetRoot())

	var unknown []string
	for name := range s.refs {
		if s.locals[name] || domain.IsTemplateVariable(name) {
			continue
		}
		unknown = append(unknown, name)
	}
	sort.Strings(unknown)
	return unknown
}

type varScan struct {
	locals map[string]bool
	refs   map[string]bool
}

func (s *varScan) walk(n render.Node) {
	switch n := n.(type) {
	case *render.SeqNode:
		for _, c := range n.Children {
			s.walk(c)
		}
	case *render.ObjectNode:
		s.expr(n.Args)
	case *render.TagNode:
		s.tag(n.Name, n.Args)
	case *render.BlockNode:
		if n.Name == "comment" {
			return
		}
		s.tag(n.Name, n.Args)
		for _, c := range n.Body {
			s.walk(c)
		}
		for _, c := range n.Clauses {
			s.walk(c)
		}
	}
}

func (s *varScan) tag(name, args string) {
	switch name {
	case "assign":
		lhs, rhs, _ := strings.Cut(args, "=")
		s.locals[strings.TrimSpace(lhs)] = true
		s.expr(rhs)
	case "capture", "increment", "decrement":
		s.locals[strings.TrimSpace(args)] = true
	case "for", "tablerow":
		item, rest, _ := strings.Cut(strings.TrimSpace(args), " in ")
		s.locals[strings.TrimSpace(item)] = true
		s.locals[name+"loop"] = true
		s.expr(rest)
	default:
		s.expr(args)
	}
}

// expr records the root identifiers of a Liquid expression. Quoted strings,
// property names after a single dot, filter names after a pipe and keyword
// argument names before a colon are not variable reads.
func (s *varScan) expr(src string) {
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '"' || c == '\'':
			end := strings.IndexByte(src[i+1:], c)
			if end < 0 {
				return
			}
			i += end + 2
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			if s.isRead(src, i, j) {
				s.refs[src[i:j]] = true
			}
			i = j
		case c >= '0' && c <= '9':
			for i < len(src) && src[i] >= '0' && src[i] <= '9' {
				i++
			}
		default:
			i++
		}
	}
}

func (s *varScan) isRead(src string, start, end int) bool {
	if isLiquidKeyword(src[start:end]) {
		return false
	}
	p := start - 1
	for p >= 0 && isSpace(src[p]) {
		p--
	}
	if p >= 0 {
		switch {
		case src[p] == '|':
			return false
		case src[p] == '.' && (p == 0 || src[p-1] != '.'):
			return false
		}
	}
	n := end
	for n < len(src) && isSpace(src[n]) {
		n++
	}
	return n >= len(src) || src[n] != ':'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '?'
}

func isLiquidKeyword(name string) bool {
	switch strings.ToLower(name) {
	case "true", "false", "nil", "null", "empty", "blank",
		"and", "or", "not", "contains", "in", "reversed", "with", "as":
		return true
	}
	return false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

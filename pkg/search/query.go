package search

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2/search/query"
)

// ParseQuery parses the user-facing query grammar into a bleve query.
//
// The grammar supports bare terms, quoted phrases, field-scoped terms
// (field:value, field:"a phrase", dotted field paths), grouping with
// parentheses, and the AND / OR operators. Adjacent terms without an
// operator are conjoined.
func ParseQuery(input string) (query.Query, error) {
	return ParseQueryFor(input, nil)
}

// ParseQueryFor is ParseQuery with a known-field check: a field-scoped
// clause naming a field the index has never seen degrades to a full-text
// match on its value instead of silently matching nothing. A nil known
// set disables the check.
func ParseQueryFor(input string, known map[string]bool) (query.Query, error) {
	toks, err := tokenize(input)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty query")
	}
	p := &parser{toks: toks, known: known}
	q, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected %q at position %d", p.toks[p.pos].val, p.pos)
	}
	return q, nil
}

type tokKind int

const (
	tokTerm tokKind = iota
	tokPhrase
	tokField // field name, value follows in the same token's field slot
	tokLParen
	tokRParen
	tokAnd
	tokOr
)

type token struct {
	kind   tokKind
	val    string
	field  string
	phrase bool
}

func tokenize(input string) ([]token, error) {
	var toks []token
	rs := []rune(input)
	i := 0
	for i < len(rs) {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{kind: tokLParen, val: "("})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, val: ")"})
			i++
		case r == '"':
			s, n, err := readQuoted(rs, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokPhrase, val: s})
			i = n
		default:
			word, n := readWord(rs, i)
			i = n
			if i < len(rs) && rs[i] == ':' {
				if word == "" {
					return nil, fmt.Errorf("field name missing before ':'")
				}
				i++
				if i >= len(rs) {
					return nil, fmt.Errorf("field %q has no value", word)
				}
				if rs[i] == '"' {
					s, n, err := readQuoted(rs, i)
					if err != nil {
						return nil, err
					}
					toks = append(toks, token{kind: tokField, field: word, val: s, phrase: true})
					i = n
				} else {
					v, n := readWord(rs, i)
					if v == "" {
						return nil, fmt.Errorf("field %q has no value", word)
					}
					toks = append(toks, token{kind: tokField, field: word, val: v})
					i = n
				}
				continue
			}
			switch word {
			case "AND":
				toks = append(toks, token{kind: tokAnd, val: word})
			case "OR":
				toks = append(toks, token{kind: tokOr, val: word})
			case "":
				return nil, fmt.Errorf("unexpected character %q", string(rs[i]))
			default:
				toks = append(toks, token{kind: tokTerm, val: word})
			}
		}
	}
	return toks, nil
}

func readQuoted(rs []rune, i int) (string, int, error) {
	i++ // opening quote
	var b strings.Builder
	for i < len(rs) {
		if rs[i] == '"' {
			return b.String(), i + 1, nil
		}
		b.WriteRune(rs[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated phrase")
}

// readWord consumes a run of characters valid inside a term or field path.
func readWord(rs []rune, i int) (string, int) {
	start := i
	for i < len(rs) {
		r := rs[i]
		if unicode.IsSpace(r) || r == '(' || r == ')' || r == '"' || r == ':' {
			break
		}
		i++
	}
	return string(rs[start:i]), i
}

type parser struct {
	toks  []token
	pos   int
	known map[string]bool
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) parseOr() (query.Query, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	parts := []query.Query{left}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			break
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		parts = append(parts, right)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return query.NewDisjunctionQuery(parts), nil
}

func (p *parser) parseAnd() (query.Query, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	parts := []query.Query{left}
	for {
		t, ok := p.peek()
		if !ok || t.kind == tokOr || t.kind == tokRParen {
			break
		}
		if t.kind == tokAnd {
			p.pos++
			t, ok = p.peek()
			if !ok {
				return nil, fmt.Errorf("dangling AND")
			}
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		parts = append(parts, right)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return query.NewConjunctionQuery(parts), nil
}

func (p *parser) parseUnary() (query.Query, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of query")
	}
	switch t.kind {
	case tokLParen:
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		t, ok = p.peek()
		if !ok || t.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	case tokTerm:
		p.pos++
		return query.NewMatchQuery(t.val), nil
	case tokPhrase:
		p.pos++
		return query.NewMatchPhraseQuery(t.val), nil
	case tokField:
		p.pos++
		if p.known != nil && !p.known[t.field] {
			if t.phrase {
				return query.NewMatchPhraseQuery(t.val), nil
			}
			return query.NewMatchQuery(t.val), nil
		}
		return FieldQuery(t.field, t.val, t.phrase), nil
	default:
		return nil, fmt.Errorf("unexpected %q", t.val)
	}
}

// FieldQuery builds a match query scoped to a single field. Phrase values
// match as phrases, everything else as analyzed terms.
func FieldQuery(field, value string, phrase bool) query.Query {
	if phrase {
		q := query.NewMatchPhraseQuery(value)
		q.SetField(field)
		return q
	}
	q := query.NewMatchQuery(value)
	q.SetField(field)
	return q
}

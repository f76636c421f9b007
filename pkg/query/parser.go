package query

import (
	"strings"

	"github.com/pkg/errors"

	"galleryindex/pkg/common"
)

// ParseFreeText turns search box input into a query.
//
// Terms are separated by whitespace and all must match. "-term" excludes,
// "ns:term" scopes a term to a namespace, "a|b" matches either side and
// underscores stand for spaces. Without any positive term the search starts
// from every gallery; otherwise it starts from the first positive term and
// narrows from there.
func ParseFreeText(input string) (Query, error) {
	var positive, negative []Query
	for _, tok := range strings.Fields(strings.ToLower(input)) {
		neg := strings.HasPrefix(tok, "-")
		if neg {
			tok = tok[1:]
		}
		node, err := parseAlternatives(tok)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		if neg {
			negative = append(negative, Not{Inner: node})
		} else {
			positive = append(positive, node)
		}
	}

	if len(positive) == 0 {
		positive = []Query{Everything()}
	}
	children := append(positive, negative...)
	if len(children) == 1 {
		return children[0], nil
	}
	return NewAnd(children...)
}

func parseAlternatives(tok string) (Query, error) {
	var alts []Query
	for _, part := range strings.Split(tok, "|") {
		if part == "" {
			continue
		}
		t, err := parseTag(part)
		if err != nil {
			return nil, err
		}
		alts = append(alts, t)
	}
	switch len(alts) {
	case 0:
		return nil, nil
	case 1:
		return alts[0], nil
	default:
		return NewOr(alts...)
	}
}

func parseTag(tok string) (Tag, error) {
	ns, term, ok := strings.Cut(tok, ":")
	if !ok {
		return Tag{Term: common.NormalizeTerm(tok)}, nil
	}
	if ns == "" || term == "" {
		return Tag{}, errors.Wrapf(common.ErrQueryConstruction, "incomplete term %q", tok)
	}
	return Tag{Namespace: ns, Term: common.NormalizeTerm(term)}, nil
}

// Package query parses search input into a boolean query tree and resolves
// the tree into a set of gallery ids.
package query

import (
	"strings"

	"github.com/pkg/errors"

	"galleryindex/pkg/common"
)

const (
	NamespaceFemale   = "female"
	NamespaceMale     = "male"
	NamespaceLanguage = "language"
)

// Query is one of Tag, And, Or, Not.
type Query interface {
	isQuery()
	String() string
}

// Tag matches galleries carrying a term, optionally scoped to a namespace.
type Tag struct {
	Namespace string
	Term      string
}

type And struct {
	Children []Query
}

type Or struct {
	Children []Query
}

type Not struct {
	Inner Query
}

func (Tag) isQuery() {}
func (And) isQuery() {}
func (Or) isQuery()  {}
func (Not) isQuery() {}

func (t Tag) String() string {
	term := strings.ReplaceAll(t.Term, " ", "_")
	if t.Namespace == "" {
		return term
	}
	return t.Namespace + ":" + term
}

func (a And) String() string { return "(" + join(a.Children, " ") + ")" }
func (o Or) String() string  { return "(" + join(o.Children, " | ") + ")" }
func (n Not) String() string { return "-" + n.Inner.String() }

func join(qs []Query, sep string) string {
	parts := make([]string, len(qs))
	for i, q := range qs {
		parts[i] = q.String()
	}
	return strings.Join(parts, sep)
}

// Everything matches every gallery. It is served by index-all.nozomi.
func Everything() Query {
	return Tag{Namespace: NamespaceLanguage, Term: "all"}
}

func NewAnd(children ...Query) (And, error) {
	if len(children) == 0 {
		return And{}, common.ErrQueryConstruction
	}
	return And{Children: children}, nil
}

func NewOr(children ...Query) (Or, error) {
	if len(children) == 0 {
		return Or{}, common.ErrQueryConstruction
	}
	return Or{Children: children}, nil
}

// MustAnd is NewAnd for trees built in code; it panics on zero children.
func MustAnd(children ...Query) And {
	a, err := NewAnd(children...)
	if err != nil {
		panic(err)
	}
	return a
}

func MustOr(children ...Query) Or {
	o, err := NewOr(children...)
	if err != nil {
		panic(err)
	}
	return o
}

// Validate checks a whole tree, including ones assembled from struct
// literals, before any of it is evaluated.
func Validate(q Query) error {
	switch n := q.(type) {
	case nil:
		return errors.Wrap(common.ErrQueryConstruction, "nil query")
	case Tag:
		if strings.TrimSpace(n.Term) == "" {
			return errors.Wrap(common.ErrQueryConstruction, "empty tag term")
		}
		return nil
	case And:
		return validateChildren("and", n.Children)
	case Or:
		return validateChildren("or", n.Children)
	case Not:
		if n.Inner == nil {
			return errors.Wrap(common.ErrQueryConstruction, "not without operand")
		}
		return Validate(n.Inner)
	default:
		return errors.Wrapf(common.ErrQueryConstruction, "unknown node %T", q)
	}
}

func validateChildren(op string, children []Query) error {
	if len(children) == 0 {
		return errors.Wrapf(common.ErrQueryConstruction, "%s without children", op)
	}
	for _, c := range children {
		if err := Validate(c); err != nil {
			return err
		}
	}
	return nil
}

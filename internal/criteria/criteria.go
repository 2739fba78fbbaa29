// Package criteria provides composable item predicates implementing model.Criteria.
//
// A Criteria is a tree of predicates joined by AND/OR. An empty Criteria has no predicate
// and accepts every item.
package criteria

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync/atomic"

	"github.com/CZERTAINLY/Hunter/internal/model"

	"github.com/gabriel-vasile/mimetype"
	"github.com/mattn/go-zglob"
)

// Predicate tests a single item. Bound values may be stored in bind.
type Predicate interface {
	Test(ctx context.Context, item model.Item, bind map[string]string) bool
	String() string
}

type op int

const (
	opAnd op = iota
	opOr
)

// Criteria is an immutable predicate tree. Composition methods return new values.
type Criteria struct {
	op     op
	preds  []Predicate
	closed *atomic.Bool
}

var _ model.Criteria = (*Criteria)(nil)

// New returns a Criteria which requires all preds. No preds means everything matches.
func New(preds ...Predicate) *Criteria {
	return &Criteria{op: opAnd, preds: append([]Predicate(nil), preds...), closed: new(atomic.Bool)}
}

// And returns a Criteria requiring c and all preds.
func (c *Criteria) And(preds ...Predicate) *Criteria {
	all := make([]Predicate, 0, len(preds)+1)
	if !c.HasNoPredicate() {
		all = append(all, node{c})
	}
	all = append(all, preds...)
	return &Criteria{op: opAnd, preds: all, closed: new(atomic.Bool)}
}

// Or returns a Criteria requiring c or any of preds.
func (c *Criteria) Or(preds ...Predicate) *Criteria {
	all := make([]Predicate, 0, len(preds)+1)
	if !c.HasNoPredicate() {
		all = append(all, node{c})
	}
	all = append(all, preds...)
	return &Criteria{op: opOr, preds: all, closed: new(atomic.Bool)}
}

func (c *Criteria) HasNoPredicate() bool {
	return len(c.preds) == 0
}

func (c *Criteria) Test(ctx context.Context, item model.Item) model.TestResult {
	if c.closed.Load() {
		return model.TestResult{}
	}
	bind := make(map[string]string)
	return model.TestResult{
		Matched: c.eval(ctx, item, bind),
		Context: bind,
	}
}

func (c *Criteria) eval(ctx context.Context, item model.Item, bind map[string]string) bool {
	if len(c.preds) == 0 {
		return true
	}
	for _, p := range c.preds {
		ok := p.Test(ctx, item, bind)
		if c.op == opOr && ok {
			return true
		}
		if c.op == opAnd && !ok {
			return false
		}
	}
	return c.op == opAnd
}

func (c *Criteria) String() string {
	sep := " AND "
	if c.op == opOr {
		sep = " OR "
	}
	var b bytes.Buffer
	b.WriteByte('(')
	for i, p := range c.preds {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(p.String())
	}
	b.WriteByte(')')
	return b.String()
}

// Copy returns an independent copy. Closing the copy does not affect the original.
func (c *Criteria) Copy() model.Criteria {
	return c.copy()
}

func (c *Criteria) copy() *Criteria {
	preds := make([]Predicate, len(c.preds))
	for i, p := range c.preds {
		if n, ok := p.(node); ok {
			preds[i] = node{n.c.copy()}
			continue
		}
		preds[i] = p
	}
	return &Criteria{op: c.op, preds: preds, closed: new(atomic.Bool)}
}

// Close releases the predicates. A closed Criteria matches nothing.
func (c *Criteria) Close() error {
	c.closed.Store(true)
	for _, p := range c.preds {
		if n, ok := p.(node); ok {
			_ = n.c.Close()
		}
	}
	return nil
}

// node nests a Criteria in a predicate tree. Bindings of the nested tree go to the
// same map as those of its parent.
type node struct {
	c *Criteria
}

func (n node) Test(ctx context.Context, item model.Item, bind map[string]string) bool {
	return !n.c.closed.Load() && n.c.eval(ctx, item, bind)
}

func (n node) String() string {
	return n.c.String()
}

// Func adapts a plain function.
type Func struct {
	Name string
	Fn   func(ctx context.Context, item model.Item) bool
}

func (f Func) Test(ctx context.Context, item model.Item, _ map[string]string) bool {
	return f.Fn(ctx, item)
}

func (f Func) String() string {
	return "func(" + f.Name + ")"
}

type namePredicate struct {
	pattern string
}

// Name matches the internal path of an item against a zglob pattern, e.g. **/*.class
func Name(pattern string) (Predicate, error) {
	if _, err := zglob.Match(pattern, "probe"); err != nil {
		return nil, fmt.Errorf("invalid name pattern %q: %w", pattern, err)
	}
	return namePredicate{pattern: pattern}, nil
}

func (p namePredicate) Test(_ context.Context, item model.Item, bind map[string]string) bool {
	ok, err := zglob.Match(p.pattern, item.Name)
	if err != nil || !ok {
		return false
	}
	bind["name"] = item.Name
	return true
}

func (p namePredicate) String() string {
	return "name=" + p.pattern
}

type containsPredicate []byte

// Contains matches items whose content contains s.
func Contains(s string) Predicate {
	return containsPredicate(s)
}

func (p containsPredicate) Test(_ context.Context, item model.Item, _ map[string]string) bool {
	return bytes.Contains(item.Content, p)
}

func (p containsPredicate) String() string {
	return "contains=" + strconv.Quote(string(p))
}

type regexpPredicate struct {
	rx *regexp.Regexp
}

// Regexp matches item content. Named groups of the first match are bound.
func Regexp(expr string) (Predicate, error) {
	rx, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid regexp %q: %w", expr, err)
	}
	return regexpPredicate{rx: rx}, nil
}

func (p regexpPredicate) Test(_ context.Context, item model.Item, bind map[string]string) bool {
	m := p.rx.FindSubmatch(item.Content)
	if m == nil {
		return false
	}
	for i, name := range p.rx.SubexpNames() {
		if name != "" && i < len(m) {
			bind[name] = string(m[i])
		}
	}
	return true
}

func (p regexpPredicate) String() string {
	return "regexp=" + p.rx.String()
}

type mediaTypePredicate string

// MediaType matches items whose detected media type is mt or one of its descendants,
// so application/zip matches jar files too.
func MediaType(mt string) Predicate {
	return mediaTypePredicate(mt)
}

func (p mediaTypePredicate) Test(_ context.Context, item model.Item, _ map[string]string) bool {
	if item.MediaType == string(p) {
		return true
	}
	if item.Content == nil {
		return false
	}
	for m := mimetype.Detect(item.Content); m != nil; m = m.Parent() {
		if m.Is(string(p)) {
			return true
		}
	}
	return false
}

func (p mediaTypePredicate) String() string {
	return "media_type=" + string(p)
}

// FromModel builds a Criteria from configuration. Values of one field are OR-ed, fields
// are AND-ed.
func FromModel(m model.MatchRules) (*Criteria, error) {
	var groups []Predicate

	anyOf := func(preds []Predicate) {
		if len(preds) > 0 {
			groups = append(groups, node{New().Or(preds...)})
		}
	}

	var names []Predicate
	for _, n := range m.Names {
		p, err := Name(n)
		if err != nil {
			return nil, err
		}
		names = append(names, p)
	}
	anyOf(names)

	var contents []Predicate
	for _, s := range m.Contains {
		contents = append(contents, Contains(s))
	}
	for _, expr := range m.Regexps {
		p, err := Regexp(expr)
		if err != nil {
			return nil, err
		}
		contents = append(contents, p)
	}
	if len(m.PEM) > 0 {
		contents = append(contents, PEM(m.PEM...))
	}
	anyOf(contents)

	var types []Predicate
	for _, mt := range m.MediaTypes {
		types = append(types, MediaType(mt))
	}
	anyOf(types)

	return New(groups...), nil
}

package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// IssueCode classifies a configuration problem.
type IssueCode string

const (
	IssueUnknownField IssueCode = "unknown_field"
	IssueOutOfRange   IssueCode = "out_of_range"
	IssueInvalidValue IssueCode = "invalid_value"
	IssueMissing      IssueCode = "missing_required"
	IssueConflict     IssueCode = "conflicting_values"
	IssueOther        IssueCode = "validation_error"
)

// ConfigIssue is one problem of a configuration file, reported per field.
type ConfigIssue struct {
	Path    string // e.g. scan.max_parallel_roots
	Code    IssueCode
	Message string
	File    string
	Line    int
	Column  int
}

func (i ConfigIssue) String() string {
	loc := i.File
	if i.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", i.File, i.Line, i.Column)
	}
	if loc == "" {
		return i.Path + ": " + i.Message
	}
	return loc + ": " + i.Path + ": " + i.Message
}

func (i ConfigIssue) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", string(i.Code)),
		slog.String("path", i.Path),
		slog.String("message", i.Message),
		slog.String("file", i.File),
		slog.Int("line", i.Line),
		slog.Int("column", i.Column),
	)
}

type issueRule struct {
	code IssueCode
	rx   *regexp.Regexp
}

// issueRules are tried in order, earlier rules are more specific. When CUE reports
// several errors for one field, the most specific one wins.
var issueRules = []issueRule{
	{IssueUnknownField, regexp.MustCompile(`(?i)not allowed|unknown field`)},
	{IssueOutOfRange, regexp.MustCompile(`(?i)out of bound`)},
	{IssueInvalidValue, regexp.MustCompile(`(?i)does not match|must be one of|expected one of`)},
	{IssueMissing, regexp.MustCompile(`(?i)incomplete value`)},
	{IssueConflict, regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible|empty disjunction`)},
}

// fieldHints explain constraints the schema expresses as bounds.
var fieldHints = map[string]string{
	"scan.max_parallel_extractions": "must be at least 1",
	"scan.max_parallel_roots":       "must be at least 1",
	"scan.max_file_size":            "must be a positive number of bytes",
	"executor.max_workers":          "must be 0 (one per CPU) or more",
	"service.repository.url":        "must be an http or https URL",
}

// ConfigIssues turns an error of LoadConfig into one issue per offending field, in the
// order CUE reported them.
func ConfigIssues(err error) []ConfigIssue {
	if err == nil {
		return nil
	}

	var out []ConfigIssue
	index := make(map[string]int)
	for _, e := range cueerrors.Errors(err) {
		raw, args := e.Msg()
		path := fieldPath(e.Path())
		issue := ConfigIssue{
			Path:    path,
			Code:    classify(fmt.Sprintf(raw, args...)),
			Message: fmt.Sprintf(raw, args...),
		}
		issue.File, issue.Line, issue.Column = position(e)

		i, ok := index[path]
		if !ok {
			index[path] = len(out)
			out = append(out, issue)
			continue
		}
		if rank(issue.Code) < rank(out[i].Code) {
			out[i].Code = issue.Code
			out[i].Message = issue.Message
		}
		if out[i].File == "" {
			out[i].File, out[i].Line, out[i].Column = issue.File, issue.Line, issue.Column
		}
	}

	for i := range out {
		describe(&out[i])
	}
	return out
}

func classify(msg string) IssueCode {
	for _, r := range issueRules {
		if r.rx.MatchString(msg) {
			return r.code
		}
	}
	return IssueOther
}

func rank(code IssueCode) int {
	i := slices.IndexFunc(issueRules, func(r issueRule) bool {
		return r.code == code
	})
	if i < 0 {
		return len(issueRules)
	}
	return i
}

// describe replaces the CUE wording by a message about the field. Fields limited to a
// set of strings list the accepted ones.
func describe(i *ConfigIssue) {
	field := i.Path
	if n := strings.LastIndexByte(field, '.'); n >= 0 {
		field = field[n+1:]
	}

	if values := allowedStrings(i.Path); len(values) > 0 && i.Code != IssueUnknownField {
		i.Code = IssueInvalidValue
		i.Message = fmt.Sprintf("%s must be one of %s", field, strings.Join(values, ", "))
		return
	}
	if hint, ok := fieldHints[i.Path]; ok && i.Code != IssueUnknownField {
		i.Message = fmt.Sprintf("%s %s", field, hint)
		return
	}
	switch i.Code {
	case IssueUnknownField:
		i.Message = fmt.Sprintf("%s is not a known field", field)
	case IssueMissing:
		i.Message = fmt.Sprintf("%s is required", field)
	case IssueConflict, IssueInvalidValue, IssueOutOfRange:
		i.Message = fmt.Sprintf("%s has an invalid value", field)
	}
}

// allowedStrings returns the string literals of a schema disjunction at path.
func allowedStrings(path string) []string {
	if path == "" {
		return nil
	}
	v := schema.LookupPath(cue.ParsePath(path))
	if !v.Exists() {
		return nil
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil
	}
	var values []string
	for _, a := range args {
		if a.Kind() != cue.StringKind {
			return nil
		}
		s, err := a.String()
		if err != nil {
			return nil
		}
		values = append(values, s)
	}
	return values
}

// position prefers a location in the YAML document over one in the schema.
func position(err cueerrors.Error) (file string, line, column int) {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() == "" {
			continue
		}
		if file == "" || strings.HasSuffix(file, ".cue") {
			file, line, column = p.Filename(), p.Line(), p.Column()
		}
	}
	return file, line, column
}

func fieldPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

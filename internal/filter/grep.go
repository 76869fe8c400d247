package filter

import (
	"fmt"
	"regexp"

	"github.com/MuchTitan/go-log-shipper/internal/util"
)

// Grep keeps lines matching the include patterns and drops lines matching any
// exclude pattern. With op "and" every include pattern must match, with "or"
// one is enough. A nil *Grep keeps everything.
type Grep struct {
	op      string
	include []*regexp.Regexp // positive match sends the line
	exclude []*regexp.Regexp // positive match drops the line
}

func NewGrep(include, exclude []string, op string) (*Grep, error) {
	if op == "" {
		op = OpAnd
	}
	if op != OpAnd && op != OpOr {
		return nil, fmt.Errorf("%w '%s' in grep filter", ErrUnsupportedOp, op)
	}

	g := &Grep{op: op}
	var err error
	if g.include, err = compileAll(include); err != nil {
		return nil, err
	}
	if g.exclude, err = compileAll(exclude); err != nil {
		return nil, err
	}
	return g, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// Empty reports whether the filter has no patterns at all.
func (g *Grep) Empty() bool {
	return g == nil || len(g.include)+len(g.exclude) == 0
}

// Match reports whether line should be forwarded. The line ending is ignored.
func (g *Grep) Match(line []byte) bool {
	if g.Empty() {
		return true
	}
	line = util.TrimEOL(line)

	for _, re := range g.exclude {
		if re.Match(line) {
			return false
		}
	}
	if len(g.include) == 0 {
		return true
	}

	matches := 0
	for _, re := range g.include {
		if re.Match(line) {
			matches++
			if g.op == OpOr {
				return true
			}
		}
	}
	return g.op == OpAnd && matches == len(g.include)
}

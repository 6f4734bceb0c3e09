package labels

import (
	"regexp"
	"sort"
)

// AddressPattern matches a 0x-prefixed 20-byte hex address and nothing else
var AddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// matchCollector gathers every string leaf matching a pattern
type matchCollector struct {
	pattern *regexp.Regexp
	found   map[string]struct{}
}

func (c *matchCollector) VisitObject(o Object) {
	for _, m := range o {
		m.Value.Accept(c)
	}
}

func (c *matchCollector) VisitArray(a Array) {
	for _, n := range a {
		n.Accept(c)
	}
}

func (c *matchCollector) VisitString(s String) {
	if c.pattern.MatchString(string(s)) {
		c.found[string(s)] = struct{}{}
	}
}

func (c *matchCollector) VisitNumber(Number) {}
func (c *matchCollector) VisitBool(Bool)     {}
func (c *matchCollector) VisitNull()         {}

// Extract returns the distinct string leaves of root that match pattern,
// sorted. A nil pattern means AddressPattern.
func Extract(root Node, pattern *regexp.Regexp) []string {
	if pattern == nil {
		pattern = AddressPattern
	}
	c := &matchCollector{pattern: pattern, found: make(map[string]struct{})}
	if root != nil {
		root.Accept(c)
	}
	out := make([]string, 0, len(c.found))
	for s := range c.found {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

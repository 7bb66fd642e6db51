// prefix tree for router logic, it is not acessible from upper packages so use an abstraction: Router
package router

import (
	"slices"
	"strings"
)

// tree node, one per path segment
type node struct {
	prefix   string
	ch       []node             // children in flat area for data locality to not miss the cache
	handlers map[string]Handler // by method, "" is any method
	param    bool               // :name segment
	wild     bool               // *name, takes the rest of the path
}

// insert pattern segments and return the last node
func (n *node) insert(pattern string) *node {
	cur := n
	for s := range strings.SplitSeq(strings.TrimPrefix(pattern, "/"), "/") {
		// skip empty route (/)
		if s == "" {
			continue
		}

		param, wild, pref := false, false, s
		switch s[0] {
		case ':':
			param, pref = true, s[1:]
		case '*':
			wild, pref = true, s[1:]
		}

		// find child index in flat child array
		idx := -1
		for i := range cur.ch {
			c := &cur.ch[i]
			if c.prefix == pref && c.param == param && c.wild == wild {
				idx = i
				break
			}
		}
		if idx == -1 {
			cur.ch = append(cur.ch, node{prefix: pref, param: param, wild: wild})
			idx = len(cur.ch) - 1
		}
		cur = &cur.ch[idx]
	}
	return cur
}

// match walks the path, static segments win over params, params over wildcards
// captured params are appended to ps
func (n *node) match(path string, ps Params) (*node, Params) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		if len(n.handlers) > 0 {
			return n, ps
		}
		for i := range n.ch {
			if c := &n.ch[i]; c.wild {
				return c, append(ps, Param{Key: c.prefix})
			}
		}
		return nil, ps
	}

	seg, rest, _ := strings.Cut(path, "/")
	for i := range n.ch {
		c := &n.ch[i]
		if !c.param && !c.wild && c.prefix == seg {
			if m, mps := c.match(rest, ps); m != nil {
				return m, mps
			}
		}
	}
	for i := range n.ch {
		c := &n.ch[i]
		if c.param {
			if m, mps := c.match(rest, append(ps, Param{Key: c.prefix, Value: seg})); m != nil {
				return m, mps
			}
		}
	}
	for i := range n.ch {
		if c := &n.ch[i]; c.wild {
			return c, append(ps, Param{Key: c.prefix, Value: path})
		}
	}
	return nil, ps
}

// value of Allow header
func (n *node) allow() string {
	ms := make([]string, 0, len(n.handlers)+1)
	for m := range n.handlers {
		ms = append(ms, m)
	}
	if n.handlers["GET"] != nil && n.handlers["HEAD"] == nil {
		ms = append(ms, "HEAD")
	}
	slices.Sort(ms)
	return strings.Join(ms, ", ")
}

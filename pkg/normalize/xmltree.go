package normalize

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// node is a minimal element tree used for schema-tolerant parsing.
// Namespaces are dropped; only local names are kept.
type node struct {
	name     string
	attrs    map[string]string
	text     string
	children []*node
}

// parseXMLTree reads the whole document into a node tree.
func parseXMLTree(r io.Reader) (*node, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false

	var root *node
	var stack []*node
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name.Local}
			if len(t.Attr) > 0 {
				n.attrs = make(map[string]string, len(t.Attr))
				for _, a := range t.Attr {
					n.attrs[a.Name.Local] = a.Value
				}
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, errors.New("xml: multiple root elements")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				top.text = strings.TrimSpace(top.text)
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text += string(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("xml: empty document")
	}
	return root, nil
}

// child returns the first direct child with the given local name.
func (n *node) child(name string) *node {
	if n == nil {
		return nil
	}
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// all returns every direct child with the given local name.
func (n *node) all(name string) []*node {
	if n == nil {
		return nil
	}
	var out []*node
	for _, c := range n.children {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

// childText returns the text of the named child, or "".
func (n *node) childText(name string) string {
	if c := n.child(name); c != nil {
		return c.text
	}
	return ""
}

// collectExtra flattens every child not in known into extra.
// Nested elements are keyed by dotted local-name paths.
func (n *node) collectExtra(known map[string]bool, prefix string, extra map[string]string) {
	for _, c := range n.children {
		if prefix == "" && known[c.name] {
			continue
		}
		key := c.name
		if prefix != "" {
			key = prefix + "." + c.name
		}
		if len(c.children) == 0 {
			if _, dup := extra[key]; !dup {
				extra[key] = c.text
			}
			continue
		}
		c.collectExtra(nil, key, extra)
	}
}

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const blankDocument = "<!DOCTYPE html><html><head></head><body></body></html>"

// document is the render target: a minimal DOM over x/net/html nodes. Each node
// maps to exactly one JS wrapper object, so identity comparisons in
// application code hold.
type document struct {
	vm   *goja.Runtime
	root *html.Node
	html *html.Node
	head *html.Node
	body *html.Node

	wrappers map[*html.Node]*goja.Object
	nodes    map[*goja.Object]*html.Node
}

func newDocument(vm *goja.Runtime) (*document, error) {
	root, err := html.Parse(strings.NewReader(blankDocument))
	if err != nil {
		return nil, err
	}
	d := &document{
		vm:       vm,
		root:     root,
		wrappers: make(map[*html.Node]*goja.Object),
		nodes:    make(map[*goja.Object]*html.Node),
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Html {
			d.html = c
		}
	}
	for c := d.html.FirstChild; c != nil; c = c.NextSibling {
		switch c.DataAtom {
		case atom.Head:
			d.head = c
		case atom.Body:
			d.body = c
		}
	}
	return d, nil
}

// Object returns the JS document object.
func (d *document) Object() *goja.Object {
	return d.wrap(d.root).(*goja.Object)
}

func (d *document) wrap(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	if o, ok := d.wrappers[n]; ok {
		return o
	}
	o := d.vm.NewObject()
	d.wrappers[n] = o
	d.nodes[o] = n
	d.defineNode(o, n)
	switch {
	case n.Type == html.ElementNode:
		d.defineElement(o, n)
	case n == d.root:
		d.defineDocument(o)
	}
	return o
}

// unwrap maps a JS argument back to its node or throws a TypeError.
func (d *document) unwrap(v goja.Value) *html.Node {
	if o, ok := v.(*goja.Object); ok {
		if n, ok := d.nodes[o]; ok {
			return n
		}
	}
	panic(d.vm.NewTypeError("argument is not a node"))
}

func (d *document) getter(o *goja.Object, name string, get func() goja.Value) {
	_ = o.DefineAccessorProperty(name, d.vm.ToValue(func(goja.FunctionCall) goja.Value {
		return get()
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

func (d *document) accessor(o *goja.Object, name string, get func() goja.Value, set func(goja.Value)) {
	_ = o.DefineAccessorProperty(name,
		d.vm.ToValue(func(goja.FunctionCall) goja.Value { return get() }),
		d.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(call.Argument(0))
			return goja.Undefined()
		}),
		goja.FLAG_FALSE, goja.FLAG_TRUE)
}

func (d *document) defineNode(o *goja.Object, n *html.Node) {
	d.getter(o, "nodeType", func() goja.Value { return d.vm.ToValue(nodeType(n)) })
	d.getter(o, "nodeName", func() goja.Value { return d.vm.ToValue(nodeName(n)) })
	d.getter(o, "ownerDocument", func() goja.Value {
		if n == d.root {
			return goja.Null()
		}
		return d.wrap(d.root)
	})
	d.getter(o, "parentNode", func() goja.Value { return d.wrap(n.Parent) })
	d.getter(o, "firstChild", func() goja.Value { return d.wrap(n.FirstChild) })
	d.getter(o, "lastChild", func() goja.Value { return d.wrap(n.LastChild) })
	d.getter(o, "nextSibling", func() goja.Value { return d.wrap(n.NextSibling) })
	d.getter(o, "previousSibling", func() goja.Value { return d.wrap(n.PrevSibling) })
	d.getter(o, "childNodes", func() goja.Value {
		var children []any
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			children = append(children, d.wrap(c))
		}
		return d.vm.NewArray(children...)
	})
	d.accessor(o, "nodeValue", func() goja.Value {
		if n.Type == html.TextNode || n.Type == html.CommentNode {
			return d.vm.ToValue(n.Data)
		}
		return goja.Null()
	}, func(v goja.Value) {
		if n.Type == html.TextNode || n.Type == html.CommentNode {
			n.Data = v.String()
		}
	})
	d.accessor(o, "textContent", func() goja.Value {
		if n.Type == html.DocumentNode {
			return goja.Null()
		}
		return d.vm.ToValue(textContent(n))
	}, func(v goja.Value) {
		if n.Type == html.TextNode || n.Type == html.CommentNode {
			n.Data = v.String()
			return
		}
		removeChildren(n)
		if goja.IsNull(v) || goja.IsUndefined(v) {
			return
		}
		if s := v.String(); s != "" {
			n.AppendChild(&html.Node{Type: html.TextNode, Data: s})
		}
	})

	_ = o.Set("appendChild", func(call goja.FunctionCall) goja.Value {
		child := d.unwrap(call.Argument(0))
		d.insert(n, child, nil)
		return call.Argument(0)
	})
	_ = o.Set("insertBefore", func(call goja.FunctionCall) goja.Value {
		child := d.unwrap(call.Argument(0))
		var ref *html.Node
		if r := call.Argument(1); !goja.IsNull(r) && !goja.IsUndefined(r) {
			ref = d.unwrap(r)
			if ref.Parent != n {
				panic(d.vm.NewTypeError("reference node is not a child of this node"))
			}
		}
		d.insert(n, child, ref)
		return call.Argument(0)
	})
	_ = o.Set("removeChild", func(call goja.FunctionCall) goja.Value {
		child := d.unwrap(call.Argument(0))
		if child.Parent != n {
			panic(d.vm.NewTypeError("node to remove is not a child of this node"))
		}
		n.RemoveChild(child)
		return call.Argument(0)
	})
	_ = o.Set("replaceChild", func(call goja.FunctionCall) goja.Value {
		next := d.unwrap(call.Argument(0))
		old := d.unwrap(call.Argument(1))
		if old.Parent != n {
			panic(d.vm.NewTypeError("node to replace is not a child of this node"))
		}
		if next != old {
			d.insert(n, next, old)
			n.RemoveChild(old)
		}
		return call.Argument(1)
	})
	_ = o.Set("hasChildNodes", func(goja.FunctionCall) goja.Value {
		return d.vm.ToValue(n.FirstChild != nil)
	})
	_ = o.Set("cloneNode", func(call goja.FunctionCall) goja.Value {
		return d.wrap(cloneNode(n, call.Argument(0).ToBoolean()))
	})
}

// insert moves child under parent before ref, detaching it first. Fragments
// contribute their children.
func (d *document) insert(parent, child, ref *html.Node) {
	for p := parent; p != nil; p = p.Parent {
		if p == child {
			panic(d.vm.NewTypeError("cannot insert a node into its own subtree"))
		}
	}
	if child.Type == html.DocumentNode && child != d.root {
		for c := child.FirstChild; c != nil; {
			next := c.NextSibling
			child.RemoveChild(c)
			parent.InsertBefore(c, ref)
			c = next
		}
		return
	}
	if child.Parent != nil {
		child.Parent.RemoveChild(child)
	}
	parent.InsertBefore(child, ref)
}

func (d *document) defineElement(o *goja.Object, n *html.Node) {
	d.getter(o, "tagName", func() goja.Value { return d.vm.ToValue(strings.ToUpper(n.Data)) })
	d.getter(o, "localName", func() goja.Value { return d.vm.ToValue(n.Data) })
	d.getter(o, "outerHTML", func() goja.Value { return d.vm.ToValue(renderNode(n)) })
	d.accessor(o, "innerHTML", func() goja.Value {
		return d.vm.ToValue(renderChildren(n))
	}, func(v goja.Value) {
		nodes, err := html.ParseFragment(strings.NewReader(v.String()), n)
		if err != nil {
			panic(d.vm.NewGoError(err))
		}
		removeChildren(n)
		for _, c := range nodes {
			n.AppendChild(c)
		}
	})
	d.accessor(o, "id", func() goja.Value {
		v, _ := attr(n, "id")
		return d.vm.ToValue(v)
	}, func(v goja.Value) { setAttr(n, "id", v.String()) })
	d.accessor(o, "className", func() goja.Value {
		v, _ := attr(n, "class")
		return d.vm.ToValue(v)
	}, func(v goja.Value) { setAttr(n, "class", v.String()) })

	_ = o.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		if v, ok := attr(n, call.Argument(0).String()); ok {
			return d.vm.ToValue(v)
		}
		return goja.Null()
	})
	_ = o.Set("setAttribute", func(call goja.FunctionCall) goja.Value {
		setAttr(n, call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	_ = o.Set("setAttributeNS", func(call goja.FunctionCall) goja.Value {
		setAttr(n, call.Argument(1).String(), call.Argument(2).String())
		return goja.Undefined()
	})
	_ = o.Set("hasAttribute", func(call goja.FunctionCall) goja.Value {
		_, ok := attr(n, call.Argument(0).String())
		return d.vm.ToValue(ok)
	})
	_ = o.Set("removeAttribute", func(call goja.FunctionCall) goja.Value {
		key := strings.ToLower(call.Argument(0).String())
		attrs := n.Attr[:0]
		for _, a := range n.Attr {
			if a.Key != key {
				attrs = append(attrs, a)
			}
		}
		n.Attr = attrs
		return goja.Undefined()
	})
	_ = o.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		return d.wrap(findByID(n, call.Argument(0).String()))
	})
}

func (d *document) defineDocument(o *goja.Object) {
	d.getter(o, "documentElement", func() goja.Value { return d.wrap(d.html) })
	d.getter(o, "head", func() goja.Value { return d.wrap(d.head) })
	d.getter(o, "body", func() goja.Value { return d.wrap(d.body) })
	d.accessor(o, "title", func() goja.Value {
		if t := findByTag(d.head, atom.Title); t != nil {
			return d.vm.ToValue(textContent(t))
		}
		return d.vm.ToValue("")
	}, func(v goja.Value) {
		t := findByTag(d.head, atom.Title)
		if t == nil {
			t = &html.Node{Type: html.ElementNode, Data: "title", DataAtom: atom.Title}
			d.head.AppendChild(t)
		}
		removeChildren(t)
		t.AppendChild(&html.Node{Type: html.TextNode, Data: v.String()})
	})

	_ = o.Set("createElement", func(call goja.FunctionCall) goja.Value {
		tag := strings.ToLower(call.Argument(0).String())
		return d.wrap(&html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))})
	})
	_ = o.Set("createElementNS", func(call goja.FunctionCall) goja.Value {
		tag := call.Argument(1).String()
		return d.wrap(&html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag)), Namespace: namespaceFor(call.Argument(0).String())})
	})
	_ = o.Set("createTextNode", func(call goja.FunctionCall) goja.Value {
		return d.wrap(&html.Node{Type: html.TextNode, Data: call.Argument(0).String()})
	})
	_ = o.Set("createComment", func(call goja.FunctionCall) goja.Value {
		return d.wrap(&html.Node{Type: html.CommentNode, Data: call.Argument(0).String()})
	})
	_ = o.Set("createDocumentFragment", func(goja.FunctionCall) goja.Value {
		return d.wrap(&html.Node{Type: html.DocumentNode})
	})
	_ = o.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		return d.wrap(findByID(d.root, call.Argument(0).String()))
	})
}

func nodeType(n *html.Node) int {
	switch n.Type {
	case html.ElementNode:
		return 1
	case html.TextNode:
		return 3
	case html.CommentNode:
		return 8
	case html.DocumentNode:
		if n.Parent == nil && n.FirstChild != nil && n.FirstChild.Type == html.DoctypeNode {
			return 9
		}
		return 11
	case html.DoctypeNode:
		return 10
	}
	return 0
}

func nodeName(n *html.Node) string {
	switch n.Type {
	case html.ElementNode:
		return strings.ToUpper(n.Data)
	case html.TextNode:
		return "#text"
	case html.CommentNode:
		return "#comment"
	case html.DocumentNode:
		if nodeType(n) == 9 {
			return "#document"
		}
		return "#document-fragment"
	case html.DoctypeNode:
		return n.Data
	}
	return ""
}

func namespaceFor(uri string) string {
	switch uri {
	case "http://www.w3.org/2000/svg":
		return "svg"
	case "http://www.w3.org/1998/Math/MathML":
		return "math"
	}
	return ""
}

func attr(n *html.Node, key string) (string, bool) {
	key = strings.ToLower(key)
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	key = strings.ToLower(key)
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode || n.Type == html.CommentNode {
		return n.Data
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
			}
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func removeChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; c = n.FirstChild {
		n.RemoveChild(c)
	}
}

func cloneNode(n *html.Node, deep bool) *html.Node {
	c := &html.Node{Type: n.Type, Data: n.Data, DataAtom: n.DataAtom, Namespace: n.Namespace}
	c.Attr = append([]html.Attribute(nil), n.Attr...)
	if deep {
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			c.AppendChild(cloneNode(child, true))
		}
	}
	return c
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode {
		if v, ok := attr(n, "id"); ok && v == id {
			return n
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func findByTag(n *html.Node, a atom.Atom) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			return c
		}
	}
	return nil
}

func renderNode(n *html.Node) string {
	var b strings.Builder
	_ = html.Render(&b, n)
	return b.String()
}

func renderChildren(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&b, c)
	}
	return b.String()
}

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ShoeboxScriptType is the type attribute of embedded shoebox blocks.
const ShoeboxScriptType = "prerender/shoebox"

var shoeboxEscaper = strings.NewReplacer(
	"<", `\u003c`,
	">", `\u003e`,
	"&", `\u0026`,
	"\u2028", `\u2028`,
	"\u2029", `\u2029`,
)

// EscapeShoebox makes serialized JSON safe to embed as the text of a script
// element. The result is still valid JSON that decodes to the same value.
func EscapeShoebox(raw string) string {
	return shoeboxEscaper.Replace(raw)
}

// shoebox holds per-request entries as serialized JSON, in insertion order.
type shoebox struct {
	keys   []string
	values map[string]string
}

func (b *shoebox) put(key, raw string) {
	if b.values == nil {
		b.values = make(map[string]string)
	}
	if _, ok := b.values[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.values[key] = raw
}

func (b *shoebox) get(key string) (string, bool) {
	raw, ok := b.values[key]
	return raw, ok
}

// embed appends one inert script block per entry to parent.
func (b *shoebox) embed(parent *html.Node) {
	for _, key := range b.keys {
		script := &html.Node{
			Type:     html.ElementNode,
			Data:     "script",
			DataAtom: atom.Script,
			Attr: []html.Attribute{
				{Key: "type", Val: ShoeboxScriptType},
				{Key: "id", Val: "shoebox-" + key},
			},
		}
		script.AppendChild(&html.Node{Type: html.TextNode, Data: EscapeShoebox(b.values[key])})
		parent.AppendChild(script)
	}
}

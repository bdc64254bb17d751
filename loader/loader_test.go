// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package loader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

type fakeHost struct {
	vm    *goja.Runtime
	calls []string
}

func (h *fakeHost) Require(p string) (goja.Value, error) {
	h.calls = append(h.calls, p)
	if p == "url" {
		o := h.vm.NewObject()
		_ = o.Set("native", true)
		return o, nil
	}
	return nil, errors.New("Invalid module")
}

func newTestLoader(t *testing.T, root string, allowed ...string) (*Loader, *fakeHost, *goja.Runtime) {
	t.Helper()
	vm := goja.New()
	host := &fakeHost{vm: vm}
	return New(vm, NewResolver(root), NewWhitelist(allowed...), host), host, vm
}

func TestResolver_Relative(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.js":          "",
		"dir/index.js":  "",
		"data.json":     "{}",
		"exact.txt":     "",
		"both.js":       "",
		"both/index.js": "",
	})
	r := NewResolver(root)
	requester := filepath.Join(root, "main.js")

	tests := map[string]string{
		"./a":         filepath.Join(root, "a.js"),
		"./dir":       filepath.Join(root, "dir", "index.js"),
		"./data":      filepath.Join(root, "data.json"),
		"./exact.txt": filepath.Join(root, "exact.txt"),
		"./both":      filepath.Join(root, "both", "index.js"),
	}
	for specifier, want := range tests {
		req, err := Classify(specifier, requester, Whitelist{})
		require.NoError(t, err)
		m, err := r.Resolve(req)
		require.NoError(t, err)
		require.False(t, m.Host, specifier)
		require.Equal(t, want, m.Path, specifier)
	}

	req, _ := Classify("./missing", requester, Whitelist{})
	m, err := r.Resolve(req)
	require.NoError(t, err)
	require.True(t, m.Host)
}

func TestResolver_Bare(t *testing.T) {
	root := writeTree(t, map[string]string{
		"node_modules/withmain/package.json": `{"main": "./lib/entry.js"}`,
		"node_modules/withmain/lib/entry.js": "",
		"node_modules/plain/index.js":        "",
		"node_modules/@s/p/sub.js":           "",
	})
	r := NewResolver(root)
	w := NewWhitelist("withmain", "plain", "@s/p", "url")

	tests := map[string]string{
		"withmain": filepath.Join(root, "node_modules", "withmain", "lib", "entry.js"),
		"plain":    filepath.Join(root, "node_modules", "plain", "index.js"),
		"@s/p/sub": filepath.Join(root, "node_modules", "@s", "p", "sub.js"),
	}
	for specifier, want := range tests {
		req, err := Classify(specifier, "", w)
		require.NoError(t, err)
		m, err := r.Resolve(req)
		require.NoError(t, err)
		require.Equal(t, want, m.Path, specifier)
	}

	req, _ := Classify("url", "", w)
	m, err := r.Resolve(req)
	require.NoError(t, err)
	require.True(t, m.Host)
	require.Equal(t, "url", m.Package)
}

func TestLoader_Evaluate(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.js":   `const u = require('./util'); const d = require('./data.json'); module.exports = { sum: u.add(1, 2), name: d.name, file: __filename };`,
		"util.js":   `exports.add = (a, b) => a + b;`,
		"data.json": `{"name": "demo"}`,
	})
	l, _, _ := newTestLoader(t, root)

	v, err := l.Evaluate(filepath.Join(root, "main.js"))
	require.NoError(t, err)
	exported := v.Export().(map[string]any)
	require.EqualValues(t, 3, exported["sum"])
	require.Equal(t, "demo", exported["name"])
	require.Equal(t, filepath.Join(root, "main.js"), exported["file"])
}

func TestLoader_Cycle(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.js": `exports.early = 'a'; const b = require('./b'); exports.fromB = b.seen;`,
		"b.js": `const a = require('./a'); exports.seen = a.early;`,
	})
	l, _, _ := newTestLoader(t, root)

	v, err := l.Evaluate(filepath.Join(root, "a.js"))
	require.NoError(t, err)
	require.Equal(t, "a", v.Export().(map[string]any)["fromB"])
}

func TestLoader_CachesModules(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.js":    `require('./counter'); require('./counter'); module.exports = globalThis.count;`,
		"counter.js": `globalThis.count = (globalThis.count || 0) + 1;`,
	})
	l, _, _ := newTestLoader(t, root)

	v, err := l.Evaluate(filepath.Join(root, "main.js"))
	require.NoError(t, err)
	require.EqualValues(t, 1, v.Export())
}

func TestLoader_NotWhitelistedNeverExecutes(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.js":                    `require('evil');`,
		"node_modules/evil/index.js": `globalThis.pwned = true;`,
	})
	l, host, vm := newTestLoader(t, root, "url")

	_, err := l.Evaluate(filepath.Join(root, "main.js"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "evil")
	require.True(t, goja.IsUndefined(vm.Get("pwned")) || vm.Get("pwned") == nil)
	require.Empty(t, host.calls)

	denied := l.Denied()
	require.Len(t, denied, 1)
	var notAllowed *ModuleNotAllowedError
	require.True(t, errors.As(denied[0], &notAllowed))
	require.Equal(t, "evil", notAllowed.Specifier)
}

// Bare requires made by a whitelisted package are checked against the same
// whitelist as the application's own.
func TestLoader_TransitiveDependenciesNeedWhitelisting(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.js":                      `module.exports = require('outer').value;`,
		"node_modules/outer/index.js":  `const h = require('./helper'); module.exports = { value: h + require('inner') };`,
		"node_modules/outer/helper.js": `module.exports = 'outer+';`,
		"node_modules/inner/index.js":  `module.exports = 'inner';`,
	})

	l, _, _ := newTestLoader(t, root, "outer")
	_, err := l.Evaluate(filepath.Join(root, "main.js"))
	require.Error(t, err)
	denied := l.Denied()
	require.Len(t, denied, 1)
	var notAllowed *ModuleNotAllowedError
	require.ErrorAs(t, denied[0], &notAllowed)
	require.Equal(t, "inner", notAllowed.Specifier)

	l, _, _ = newTestLoader(t, root, "outer", "inner")
	v, err := l.Evaluate(filepath.Join(root, "main.js"))
	require.NoError(t, err)
	require.Equal(t, "outer+inner", v.Export())
}

func TestLoader_HostFallback(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.js": `module.exports = require('url').native;`,
	})
	l, host, _ := newTestLoader(t, root, "url")

	v, err := l.Evaluate(filepath.Join(root, "main.js"))
	require.NoError(t, err)
	require.Equal(t, true, v.Export())
	require.Equal(t, []string{"url"}, host.calls)
}

func TestLoader_NotFound(t *testing.T) {
	root := writeTree(t, map[string]string{})
	l, _, _ := newTestLoader(t, root, "ghost")

	_, err := l.Require("ghost", filepath.Join(root, "main.js"))
	var notFound *ModuleNotFoundError
	require.True(t, errors.As(err, &notFound))
	require.Equal(t, "ghost", notFound.Specifier)
}

func TestLoader_ThrowingModuleIsNotCached(t *testing.T) {
	root := writeTree(t, map[string]string{
		"bad.js": `throw new Error('boom');`,
	})
	l, _, _ := newTestLoader(t, root)

	_, err := l.Evaluate(filepath.Join(root, "bad.js"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	_, err = l.Evaluate(filepath.Join(root, "bad.js"))
	require.Error(t, err)
}

func TestLoader_SyntaxError(t *testing.T) {
	root := writeTree(t, map[string]string{"bad.js": `var a =;`})
	l, _, _ := newTestLoader(t, root)

	_, err := l.Evaluate(filepath.Join(root, "bad.js"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "compiling module")
}

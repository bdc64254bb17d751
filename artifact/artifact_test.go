// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeDist lays out a minimal built application under a temp directory.
func writeDist(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func TestLoad(t *testing.T) {
	dist := writeDist(t, map[string]string{
		DescriptorFile: `{
			"name": "demo",
			"htmlEntrypoint": "index.html",
			"scripts": ["assets/vendor.js", "assets/demo-*.js", "assets/vendor.js"],
			"moduleWhitelist": ["url", "@scope/pkg"],
			"hostWhitelist": ["example.com", "regexp:/^localhost:\\d+$/"],
			"config": {"demo": {"rootURL": "/"}}
		}`,
		"index.html":        "<html><head></head><body></body></html>",
		"assets/vendor.js":  "",
		"assets/demo-b.js":  "",
		"assets/demo-a.js":  "",
		"assets/unused.css": "",
	})

	a, err := Load(Paths{Dist: dist})
	require.NoError(t, err)
	require.Equal(t, "demo", a.Name)
	require.Equal(t, dist, a.Paths.Dist)
	require.Equal(t, dist, a.Paths.Assets)
	require.Equal(t, []string{
		filepath.Join(dist, "assets", "vendor.js"),
		filepath.Join(dist, "assets", "demo-a.js"),
		filepath.Join(dist, "assets", "demo-b.js"),
	}, a.Scripts)
	require.Equal(t, "<html><head></head><body></body></html>", a.HTML)
	require.Equal(t, []string{"url", "@scope/pkg"}, a.Modules)
	require.NoError(t, a.Hosts.Allow("localhost:8080"))

	section, ok := a.AppConfig("")
	require.True(t, ok)
	require.Equal(t, map[string]any{"rootURL": "/"}, section)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		msg   string
	}{
		{"missing descriptor", map[string]string{"index.html": ""}, "no such file"},
		{"malformed json", map[string]string{DescriptorFile: "{", "index.html": ""}, "decoding descriptor"},
		{"no name", map[string]string{DescriptorFile: `{"scripts":["a.js"]}`, "a.js": "", "index.html": ""}, "no name"},
		{"no scripts", map[string]string{DescriptorFile: `{"name":"x","scripts":[]}`, "index.html": ""}, "no scripts"},
		{"unmatched scripts", map[string]string{DescriptorFile: `{"name":"x","scripts":["nope/*.js"]}`, "index.html": ""}, "no scripts matched"},
		{"missing html", map[string]string{DescriptorFile: `{"name":"x","scripts":["a.js"]}`, "a.js": ""}, "html entrypoint"},
		{"bad host", map[string]string{DescriptorFile: `{"name":"x","scripts":["a.js"],"hostWhitelist":["regexp:/(/"]}`, "a.js": "", "index.html": ""}, "regexp host entry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dist := writeDist(t, tt.files)
			_, err := Load(Paths{Dist: dist})
			require.Error(t, err)
			var descErr *DescriptorError
			require.True(t, errors.As(err, &descErr))
			require.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoad_EmptyDist(t *testing.T) {
	_, err := Load(Paths{})
	require.Error(t, err)
}

func TestDescriptor_Marshal(t *testing.T) {
	d := &Descriptor{Name: "demo", Scripts: []string{"a.js"}, HTMLEntrypoint: "index.html"}
	raw, err := d.Marshal()
	require.NoError(t, err)

	parsed, err := ParseDescriptor(raw)
	require.NoError(t, err)
	require.Equal(t, d.Name, parsed.Name)
	require.Equal(t, d.Scripts, parsed.Scripts)
}

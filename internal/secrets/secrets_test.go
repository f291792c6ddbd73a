// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T) string
		want   map[string]string
		errMsg string
	}{
		{
			name: "reads key files and trims whitespace",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, "openai-api-key", "  sk-abc123  \n")
				writeFile(t, dir, "openai-base-url", "https://llm.internal.example/v1\n")
				return dir
			},
			want: map[string]string{
				"openai-api-key":  "sk-abc123",
				"openai-base-url": "https://llm.internal.example/v1",
			},
		},
		{
			name: "returns empty map for nonexistent directory",
			setup: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "does-not-exist")
			},
			want: map[string]string{},
		},
		{
			name: "skips empty files",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, "openai-api-key", "valid-key")
				writeFile(t, dir, "empty-key", "")
				writeFile(t, dir, "whitespace-only", "   \n\t  ")
				return dir
			},
			want: map[string]string{
				"openai-api-key": "valid-key",
			},
		},
		{
			name: "skips dotfiles",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, ".gitkeep", "")
				writeFile(t, dir, ".hidden-key", "secret")
				writeFile(t, dir, "openai-api-key", "sk-real")
				return dir
			},
			want: map[string]string{
				"openai-api-key": "sk-real",
			},
		},
		{
			name: "skips subdirectories",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, "openai-base-url", "http://localhost:8000/v1")
				require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))
				return dir
			},
			want: map[string]string{
				"openai-base-url": "http://localhost:8000/v1",
			},
		},
		{
			name: "normalizes environment-style file names",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, "OPENAI_API_KEY", "sk-env-style")
				writeFile(t, dir, "openai-base-url.txt", "http://gateway/v1")
				return dir
			},
			want: map[string]string{
				"openai-api-key":  "sk-env-style",
				"openai-base-url": "http://gateway/v1",
			},
		},
		{
			name: "returns empty map for empty directory",
			setup: func(t *testing.T) string {
				return t.TempDir()
			},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := tt.setup(t)
			got, err := Load(dir)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadUnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read files without permission bits")
	}
	dir := t.TempDir()
	writeFile(t, dir, "good-key", "value123")

	// Create a file then remove read permission.
	badPath := filepath.Join(dir, "bad-key")
	require.NoError(t, os.WriteFile(badPath, []byte("secret"), 0o000))
	t.Cleanup(func() { os.Chmod(badPath, 0o644) })

	got, err := Load(dir)
	require.NoError(t, err)
	// The good file should still be returned; the bad file is skipped with a warning.
	assert.Equal(t, "value123", got["good-key"])
	_, hasBad := got["bad-key"]
	assert.False(t, hasBad, "unreadable file should not appear in result")
}

func TestLoadDuplicateKeys(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "OPENAI_API_KEY", "sk-upper")
	writeFile(t, dir, "openai-api-key", "sk-lower")

	got, err := Load(dir)
	require.NoError(t, err)
	// os.ReadDir sorts by name, so the upper-case file is seen first.
	assert.Equal(t, map[string]string{"openai-api-key": "sk-upper"}, got)
}

func TestLookup(t *testing.T) {
	s := map[string]string{
		"openai-api-key":  "sk-1",
		"openai-base-url": "",
	}

	assert.Equal(t, "sk-1", Lookup(s, "missing", OpenAIAPIKey))
	assert.Equal(t, "sk-1", Lookup(s, "OPENAI_API_KEY"))
	assert.Equal(t, "", Lookup(s, OpenAIBaseURL))
	assert.Equal(t, "", Lookup(nil, OpenAIAPIKey))
}

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"openai-api-key":      "openai-api-key",
		"OPENAI_API_KEY":      "openai-api-key",
		"openai_base_url.txt": "openai-base-url",
		"Token.TXT":           "token",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeName(in), in)
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Names(map[string]string{"b": "2", "a": "1"}))
	assert.Empty(t, Names(nil))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

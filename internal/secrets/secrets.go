// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package secrets loads credentials from a directory of plain-text files.
// Each regular file holds one secret: the normalized file name is the key
// and the trimmed contents are the value. OPENAI_API_KEY and openai-api-key
// name the same secret.
package secrets

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Key names read by the run command.
const (
	OpenAIAPIKey  = "openai-api-key"
	OpenAIBaseURL = "openai-base-url"
)

// DefaultDir is the secrets directory relative to the working directory.
const DefaultDir = ".secrets/"

// NormalizeName maps a file name to its key: lower case, with underscores
// turned into hyphens and a trailing .txt removed.
func NormalizeName(name string) string {
	name = strings.TrimSuffix(strings.ToLower(name), ".txt")
	return strings.ReplaceAll(name, "_", "-")
}

// Load returns the secrets in dir keyed by normalized file name. A missing
// directory yields an empty map. Dotfiles, subdirectories and empty files are
// skipped; unreadable files are logged and skipped. When two files normalize
// to the same key the first in directory order wins.
func Load(dir string) (map[string]string, error) {
	out := make(map[string]string)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)
		value, err := readValue(path, entry)
		if err != nil {
			slog.Warn("Skipping unreadable secret", "name", name, "error", err)
			continue
		}
		if value == "" {
			continue
		}
		key := NormalizeName(name)
		if _, dup := out[key]; dup {
			slog.Warn("Duplicate secret ignored", "name", name, "key", key)
			continue
		}
		out[key] = value
	}
	return out, nil
}

func readValue(path string, entry fs.DirEntry) (string, error) {
	if info, err := entry.Info(); err == nil && runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		slog.Debug("Secret file is readable by other users", "path", path, "mode", info.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Lookup returns the first non-empty value among the given keys.
func Lookup(secrets map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := secrets[NormalizeName(k)]; v != "" {
			return v
		}
	}
	return ""
}

// Names returns the loaded keys in sorted order, for startup logs that must
// not print values.
func Names(secrets map[string]string) []string {
	names := make([]string, 0, len(secrets))
	for k := range secrets {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

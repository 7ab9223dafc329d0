// Package pathmap translates paths between mount namespaces, e.g. the path
// stash reports for a file into the path this process (or a torrent client)
// sees for the same file.
package pathmap

import (
	"sort"
	"strings"
)

// Table maps remote prefixes to local prefixes.
type Table map[string]string

// Map rewrites path using the longest remote prefix in table that matches on a
// path-segment boundary. Paths with no matching prefix are returned unchanged.
func Map(path string, table Table) string {
	remote, local, ok := longestMatch(path, table)
	if !ok {
		return path
	}
	rest := strings.TrimPrefix(path, remote)
	rest = strings.TrimPrefix(rest, "/")
	local = strings.TrimSuffix(local, "/")
	if rest == "" {
		if local == "" {
			return "/"
		}
		return local
	}
	return local + "/" + rest
}

func longestMatch(path string, table Table) (string, string, bool) {
	remotes := make([]string, 0, len(table))
	for remote := range table {
		remotes = append(remotes, remote)
	}
	// Longest first; ties broken lexically so the result is deterministic.
	sort.Slice(remotes, func(i, j int) bool {
		a, b := trim(remotes[i]), trim(remotes[j])
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})

	for _, remote := range remotes {
		prefix := trim(remote)
		if prefix == "" {
			// "/" maps everything.
			if strings.HasPrefix(path, "/") {
				return "/", table[remote], true
			}
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return prefix, table[remote], true
		}
	}
	return "", "", false
}

func trim(p string) string {
	return strings.TrimRight(p, "/")
}

package tags

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/bdbenim/stash-empornium/pkg/file"
)

const fileDefaultScope = "default"

// FileEntry is one source tag in a mapping file. Mappings is keyed by tracker
// id, with "default" standing for the tracker-independent scope.
type FileEntry struct {
	Name       string              `json:"name"`
	Display    string              `json:"display,omitempty"`
	Ignored    bool                `json:"ignored,omitempty"`
	Categories []string            `json:"categories,omitempty"`
	Mappings   map[string][]string `json:"mappings,omitempty"`
}

// File is the on-disk JSON form of the mapping store.
type File struct {
	Tags []FileEntry `json:"tags"`
}

// Load reads a mapping file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// Save writes a mapping file with indentation.
func Save(path string, f File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return file.WriteAtomic(path, data, 0o644)
}

// Export snapshots every known tag with its mappings, sorted by name.
func (e *Engine) Export(ctx context.Context) (File, error) {
	known, err := e.store.ListTags(ctx)
	if err != nil {
		return File{}, err
	}
	entries := make(map[string]*FileEntry, len(known))
	for _, t := range known {
		entries[t.Name] = &FileEntry{
			Name:       t.Name,
			Display:    t.Display,
			Ignored:    t.Ignored,
			Categories: t.Categories,
		}
	}

	all, err := e.store.ListMappings(ctx, AllScopes)
	if err != nil {
		return File{}, err
	}
	for _, m := range all {
		entry, ok := entries[m.Source]
		if !ok {
			entry = &FileEntry{Name: m.Source}
			entries[m.Source] = entry
		}
		if entry.Mappings == nil {
			entry.Mappings = make(map[string][]string)
		}
		scope := m.Tracker
		if scope == DefaultScope {
			scope = fileDefaultScope
		}
		entry.Mappings[scope] = append(entry.Mappings[scope], m.Dest)
	}

	out := File{Tags: make([]FileEntry, 0, len(entries))}
	for _, entry := range entries {
		for _, dests := range entry.Mappings {
			sort.Strings(dests)
		}
		out.Tags = append(out.Tags, *entry)
	}
	sort.Slice(out.Tags, func(i, j int) bool { return out.Tags[i].Name < out.Tags[j].Name })
	return out, nil
}

// Import upserts every entry of a mapping file and returns how many tags
// were written. Destination tags go through the same validation as Accept.
func (e *Engine) Import(ctx context.Context, f File) (int, error) {
	count := 0
	for _, entry := range f.Tags {
		if entry.Name == "" {
			continue
		}
		for scope, dests := range entry.Mappings {
			tracker := scope
			if tracker == fileDefaultScope {
				tracker = DefaultScope
			}
			accepted := make(map[string]string, 1)
			for _, d := range dests {
				accepted[entry.Name] = d
				if err := e.Accept(ctx, tracker, accepted); err != nil {
					return count, fmt.Errorf("tag %s: %w", entry.Name, err)
				}
			}
		}
		if entry.Ignored {
			if err := e.store.SetIgnored(ctx, entry.Name, true); err != nil {
				return count, err
			}
		}
		if entry.Display != "" {
			if err := e.store.SetDisplay(ctx, entry.Name, entry.Display); err != nil {
				return count, err
			}
		}
		for _, category := range entry.Categories {
			if err := e.store.AddCategory(ctx, entry.Name, category); err != nil {
				return count, err
			}
		}
		count++
	}
	return count, nil
}

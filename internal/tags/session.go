package tags

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/bdbenim/stash-empornium/pkg/log"
)

// Session is the working tag set of one job. It is safe for concurrent use.
type Session struct {
	ctx     context.Context
	engine  *Engine
	tracker string

	mu          sync.Mutex
	tags        map[string]struct{}
	seen        map[string]struct{}
	suggestions map[string]string
	categories  map[string]map[string]struct{}
}

// Resolve looks a catalog tag up in the mapping store. Ignored tags are
// dropped. Mapped tags join the working set, tracker mappings taking
// precedence over the default scope. Anything else becomes a suggestion.
// Each tag is only resolved once per session.
func (s *Session) Resolve(name string) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil
	}

	s.mu.Lock()
	if _, ok := s.seen[key]; ok {
		s.mu.Unlock()
		return nil
	}
	s.seen[key] = struct{}{}
	s.mu.Unlock()

	tag, found, err := s.engine.store.GetTag(s.ctx, name)
	if err != nil {
		return err
	}
	if found && tag.Ignored {
		log.Debug("Ignoring tag %q", name)
		return nil
	}

	var dests []string
	if found {
		if dests, err = s.engine.store.DestTags(s.ctx, tag.Name, s.tracker); err != nil {
			return err
		}
		if len(dests) == 0 && s.tracker != DefaultScope {
			if dests, err = s.engine.store.DestTags(s.ctx, tag.Name, DefaultScope); err != nil {
				return err
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(dests) > 0 {
		for _, d := range dests {
			s.tags[d] = struct{}{}
		}
	} else {
		candidate := Normalize(name)
		s.suggestions[key] = candidate
		s.engine.addPending(s.tracker, key, candidate)
	}
	if found {
		for _, category := range tag.Categories {
			if s.categories[category] == nil {
				s.categories[category] = make(map[string]struct{})
			}
			s.categories[category][tag.DisplayName()] = struct{}{}
		}
	}
	return nil
}

// Add normalizes a tag and puts it straight into the working set, skipping
// the mapping store. Used for metadata tags such as codec or resolution.
func (s *Session) Add(tag string) string {
	t := Normalize(tag)
	if t == "" {
		return ""
	}
	s.mu.Lock()
	s.tags[t] = struct{}{}
	s.mu.Unlock()
	return t
}

// Tags returns the working set sorted.
func (s *Session) Tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.tags)
}

// CategoryLists returns each category with its member display names sorted.
func (s *Session) CategoryLists() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.categories))
	for category, members := range s.categories {
		out[category] = sortedKeys(members)
	}
	return out
}

// Suggestions returns lowercase source name -> candidate destination tag.
func (s *Session) Suggestions() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.suggestions))
	for k, v := range s.suggestions {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

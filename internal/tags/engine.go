package tags

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/pkg/log"
)

// Engine resolves catalog tags against the persisted mapping store and
// tracks suggestions that are still waiting for an operator decision.
type Engine struct {
	store Store

	mu      sync.Mutex
	pending map[string]map[string]string // tracker -> lowercase source -> candidate
}

func NewEngine(store Store) *Engine {
	return &Engine{
		store:   store,
		pending: make(map[string]map[string]string),
	}
}

// NewSession starts a job-scoped working set for the given tracker.
func (e *Engine) NewSession(ctx context.Context, tracker string) *Session {
	return &Session{
		ctx:         ctx,
		engine:      e,
		tracker:     tracker,
		tags:        make(map[string]struct{}),
		seen:        make(map[string]struct{}),
		suggestions: make(map[string]string),
		categories:  make(map[string]map[string]struct{}),
	}
}

// Accept persists source -> destination mappings in the tracker scope and
// clears matching suggestions. Destinations are normalized before they are
// stored; one that is empty or too long fails the whole call before anything
// is written.
func (e *Engine) Accept(ctx context.Context, tracker string, accepted map[string]string) error {
	clean := make(map[string]string, len(accepted))
	for source, dest := range accepted {
		if strings.TrimSpace(source) == "" {
			return errs.New(errs.ValidationFailed, "empty source tag").
				WithUserMessage("Tag name must not be empty")
		}
		d, err := ValidateDest(dest)
		if err != nil {
			return err
		}
		clean[source] = d
	}

	log.Info("Saving %d tag mappings for scope %q", len(clean), scopeName(tracker))
	for source, dest := range clean {
		if err := e.store.UpsertMapping(ctx, tracker, source, dest); err != nil {
			return errs.Wrap(err, errs.Unknown, "save mapping %s -> %s", source, dest)
		}
		e.clearPending(tracker, source)
	}
	return nil
}

// Reject marks each source tag ignored so it never contributes a tag or a
// suggestion again.
func (e *Engine) Reject(ctx context.Context, sources []string) error {
	if len(sources) > 0 {
		log.Info("Ignoring %d tags", len(sources))
	}
	for _, source := range sources {
		if strings.TrimSpace(source) == "" {
			continue
		}
		if err := e.store.SetIgnored(ctx, source, true); err != nil {
			return errs.Wrap(err, errs.Unknown, "ignore tag %s", source)
		}
		e.clearPendingAll(source)
	}
	return nil
}

// Pending returns the outstanding suggestions recorded for a tracker.
func (e *Engine) Pending(tracker string) map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.pending[tracker]))
	for k, v := range e.pending[tracker] {
		out[k] = v
	}
	return out
}

// Mappings lists the stored mappings of one scope, sorted by source name.
func (e *Engine) Mappings(ctx context.Context, tracker string) ([]Mapping, error) {
	m, err := e.store.ListMappings(ctx, tracker)
	if err != nil {
		return nil, err
	}
	sort.Slice(m, func(i, j int) bool {
		if m[i].Source != m[j].Source {
			return m[i].Source < m[j].Source
		}
		return m[i].Dest < m[j].Dest
	})
	return m, nil
}

// ValidateDest normalizes a destination tag and enforces the tracker rules.
func ValidateDest(dest string) (string, error) {
	d := Normalize(dest)
	if d == "" {
		return "", errs.New(errs.ValidationFailed, "destination tag %q is empty after normalization", dest).
			WithUserMessage("Tag must contain at least one letter or digit")
	}
	if len(d) > MaxTagLength {
		return "", errs.New(errs.ValidationFailed, "destination tag %q exceeds %d characters", d, MaxTagLength).
			WithContext("length", len(d)).
			WithUserMessage("Tags may be at most 32 characters long")
	}
	return d, nil
}

func (e *Engine) addPending(tracker, source, candidate string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending[tracker] == nil {
		e.pending[tracker] = make(map[string]string)
	}
	e.pending[tracker][source] = candidate
}

func (e *Engine) clearPending(tracker, source string) {
	key := strings.ToLower(source)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending[tracker], key)
	if tracker == DefaultScope {
		// a default mapping answers every tracker that had no mapping of its own
		for _, p := range e.pending {
			delete(p, key)
		}
	}
}

func (e *Engine) clearPendingAll(source string) {
	key := strings.ToLower(source)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pending {
		delete(p, key)
	}
}

func scopeName(tracker string) string {
	if tracker == DefaultScope {
		return "default"
	}
	return tracker
}

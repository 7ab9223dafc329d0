package tags

import "context"

// DefaultScope is the tracker-independent mapping set consulted when a
// tracker has no mapping of its own.
const DefaultScope = ""

// AllScopes asks ListMappings for every scope at once.
const AllScopes = "*"

// MaxTagLength is the longest destination tag a tracker accepts.
const MaxTagLength = 32

// SourceTag is a catalog tag as known to the mapping store.
type SourceTag struct {
	Name       string
	Display    string
	Ignored    bool
	Categories []string
}

// DisplayName is the name used in grouped category output.
func (t SourceTag) DisplayName() string {
	if t.Display != "" {
		return t.Display
	}
	return t.Name
}

// Mapping links one source tag to one destination tag within a tracker scope.
type Mapping struct {
	Source  string
	Tracker string
	Dest    string
}

// Store persists tag mappings. Source names are matched case-insensitively
// and every write is an idempotent upsert.
type Store interface {
	GetTag(ctx context.Context, name string) (SourceTag, bool, error)
	DestTags(ctx context.Context, source, tracker string) ([]string, error)
	UpsertMapping(ctx context.Context, tracker, source, dest string) error
	SetIgnored(ctx context.Context, source string, ignored bool) error
	SetDisplay(ctx context.Context, source, display string) error
	AddCategory(ctx context.Context, source, category string) error
	ListTags(ctx context.Context) ([]SourceTag, error)
	ListMappings(ctx context.Context, tracker string) ([]Mapping, error)
}

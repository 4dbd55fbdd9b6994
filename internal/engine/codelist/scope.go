package codelist

import (
	"os"
	"path/filepath"
)

// DefaultAttribute names the attribute that points an element at its
// dictionary.
const DefaultAttribute = "codeSpace"

// Tracker remembers the single element whose text must be resolved through
// a dictionary. It is active exactly when both an owner and a path are held.
type Tracker struct {
	attribute string
	owner     string
	path      string
	nested    int
}

func NewTracker(attribute string) *Tracker {
	if attribute == "" {
		attribute = DefaultAttribute
	}
	return &Tracker{attribute: attribute}
}

// OnStart activates the tracker for tag when attrs name a dictionary that
// exists relative to sourcePath. Returns true when a nested scope was
// ignored because another owner is active.
func (t *Tracker) OnStart(tag string, attrs map[string]string, sourcePath string) bool {
	rel, ok := attrs[t.attribute]
	if !ok || rel == "" {
		return false
	}
	if t.Active() {
		t.nested++
		return true
	}
	path, ok := resolveListPath(rel, sourcePath)
	if !ok {
		return false
	}
	t.owner = tag
	t.path = path
	return false
}

// OnEnd deactivates the tracker when tag closes the owning element.
func (t *Tracker) OnEnd(tag string) {
	if t.Active() && tag == t.owner {
		t.owner = ""
		t.path = ""
	}
}

// ResolveText maps raw through the active dictionary. Codes missing from the
// dictionary pass through unchanged. The bool reports whether the tracker
// was active.
func (t *Tracker) ResolveText(raw string, resolver Resolver) (string, bool, error) {
	if !t.Active() {
		return "", false, nil
	}
	mapping, err := resolver.Resolve(t.path)
	if err != nil {
		return "", true, err
	}
	if label, ok := mapping[raw]; ok {
		return label, true, nil
	}
	return raw, true, nil
}

func (t *Tracker) Active() bool {
	return t.owner != "" && t.path != ""
}

func (t *Tracker) Owner() string { return t.owner }

func (t *Tracker) Path() string { return t.path }

// Nested counts start events ignored while another scope was active.
func (t *Tracker) Nested() int { return t.nested }

func (t *Tracker) Reset() {
	t.owner = ""
	t.path = ""
}

func resolveListPath(rel, sourcePath string) (string, bool) {
	joined := rel
	if !filepath.IsAbs(rel) {
		joined = filepath.Join(filepath.Dir(sourcePath), rel)
	}
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", false
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", false
	}
	info, err := os.Stat(canonical)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return canonical, true
}

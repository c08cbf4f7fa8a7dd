package bundler

import (
	"fmt"
	"path"
	"strings"
)

// Layout identifies which project convention a file map follows.
type Layout int

const (
	// LayoutFlat is a single App.tsx plus siblings at the root, no alias.
	LayoutFlat Layout = iota
	// LayoutAliased is a src/ tree with the @/ alias pointing at src/.
	LayoutAliased
)

const aliasPrefix = "@/"

// ResolveError reports an import specifier that matched nothing.
type ResolveError struct {
	Specifier string
	Importer  string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("cannot resolve %q imported from %q", e.Specifier, e.Importer)
}

// DetectLayout inspects a file map and decides its convention.
// Presence of src/App.tsx wins over a root-level App.tsx.
func DetectLayout(files map[string]string) (Layout, error) {
	if _, ok := files["src/App.tsx"]; ok {
		return LayoutAliased, nil
	}
	if _, ok := files["App.tsx"]; ok {
		return LayoutFlat, nil
	}
	return LayoutFlat, fmt.Errorf("no entry point found: expected src/App.tsx or App.tsx")
}

// EntryPoint returns the entry file for a layout.
func (l Layout) EntryPoint() string {
	if l == LayoutAliased {
		return "src/App.tsx"
	}
	return "App.tsx"
}

// Root returns the directory the alias prefix rewrites to.
func (l Layout) Root() string {
	if l == LayoutAliased {
		return "src"
	}
	return ""
}

// Resolver resolves import specifiers against an in-memory file map.
// It is immutable after construction and safe for concurrent use.
type Resolver struct {
	files     map[string]string
	layout    Layout
	externals map[string]struct{}
}

// NewResolver creates a resolver over the given file map.
func NewResolver(files map[string]string, layout Layout, externals map[string]struct{}) *Resolver {
	return &Resolver{
		files:     files,
		layout:    layout,
		externals: externals,
	}
}

// Lookup returns the content of a resolved path.
func (r *Resolver) Lookup(p string) (string, bool) {
	content, ok := r.files[p]
	return content, ok
}

// Resolve maps specifier spec imported from file importer to a path in the
// file map, or marks it external. Resolution order: alias rewrite, relative
// join, literal path, extension fallback, index fallback, externals.
func (r *Resolver) Resolve(spec, importer string) (resolved string, external bool, err error) {
	switch {
	case strings.HasPrefix(spec, aliasPrefix):
		if r.layout != LayoutAliased {
			return "", false, &ResolveError{Specifier: spec, Importer: importer}
		}
		candidate := path.Join(r.layout.Root(), spec[len(aliasPrefix):])
		if p, ok := r.tryCandidates(candidate); ok {
			return p, false, nil
		}
		return "", false, &ResolveError{Specifier: spec, Importer: importer}

	case strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../"):
		candidate := path.Join(path.Dir(importer), spec)
		if p, ok := r.tryCandidates(candidate); ok {
			return p, false, nil
		}
		return "", false, &ResolveError{Specifier: spec, Importer: importer}

	default:
		// Bare specifier: a file map entry still wins over the allow-list.
		if p, ok := r.tryCandidates(spec); ok {
			return p, false, nil
		}
		if _, ok := r.externals[packageName(spec)]; ok {
			return spec, true, nil
		}
		return "", false, &ResolveError{Specifier: spec, Importer: importer}
	}
}

// tryCandidates checks the literal path, appended extensions, then index files.
func (r *Resolver) tryCandidates(p string) (string, bool) {
	for _, candidate := range []string{
		p,
		p + ".tsx",
		p + ".ts",
		p + "/index.tsx",
		p + "/index.ts",
	} {
		if _, ok := r.files[candidate]; ok {
			return candidate, true
		}
	}
	return "", false
}

// packageName extracts the package portion of a bare specifier, keeping the
// scope for scoped packages (e.g. @radix-ui/react-dialog/dist -> @radix-ui/react-dialog).
func packageName(spec string) string {
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

package bundler

import (
	"fmt"
	"sort"
	"strings"
)

// Pin fixes an allow-listed external package to an exact version and the
// CDN URL the host import map resolves it from. There is no version
// negotiation: a requested version that differs from the pin fails the build.
type Pin struct {
	Name    string
	Version string
}

// URL returns the CDN location for the pinned package.
func (p Pin) URL() string {
	return fmt.Sprintf("https://esm.sh/%s@%s", p.Name, p.Version)
}

// pins is the fixed allow-list of runtime packages that are never bundled.
var pins = map[string]Pin{
	"react":                    {Name: "react", Version: "18.3.1"},
	"react-dom":                {Name: "react-dom", Version: "18.3.1"},
	"react-router-dom":         {Name: "react-router-dom", Version: "6.26.2"},
	"@tanstack/react-query":    {Name: "@tanstack/react-query", Version: "5.56.2"},
	"lucide-react":             {Name: "lucide-react", Version: "0.441.0"},
	"clsx":                     {Name: "clsx", Version: "2.1.1"},
	"tailwind-merge":           {Name: "tailwind-merge", Version: "2.5.2"},
	"class-variance-authority": {Name: "class-variance-authority", Version: "0.7.0"},
	"react-hook-form":          {Name: "react-hook-form", Version: "7.53.0"},
	"zod":                      {Name: "zod", Version: "3.23.8"},
	"date-fns":                 {Name: "date-fns", Version: "3.6.0"},
	"@radix-ui/react-dialog":   {Name: "@radix-ui/react-dialog", Version: "1.1.1"},
	"@radix-ui/react-select":   {Name: "@radix-ui/react-select", Version: "2.1.1"},
	"@radix-ui/react-tabs":     {Name: "@radix-ui/react-tabs", Version: "1.1.0"},
	"@radix-ui/react-slot":     {Name: "@radix-ui/react-slot", Version: "1.1.0"},
	"@radix-ui/react-label":    {Name: "@radix-ui/react-label", Version: "2.1.0"},
	"@radix-ui/react-switch":   {Name: "@radix-ui/react-switch", Version: "1.1.0"},
	"@radix-ui/react-checkbox": {Name: "@radix-ui/react-checkbox", Version: "1.1.1"},
}

// Externals is the set of packages a build treats as load-time imports.
// The value is the version the caller expects; an empty string accepts
// the pinned version.
type Externals map[string]string

// DefaultExternals returns the full allow-list at pinned versions.
func DefaultExternals() Externals {
	ext := make(Externals, len(pins))
	for name := range pins {
		ext[name] = ""
	}
	return ext
}

// Names returns the external package names as a lookup set.
func (e Externals) Names() map[string]struct{} {
	names := make(map[string]struct{}, len(e))
	for name := range e {
		names[name] = struct{}{}
	}
	return names
}

// Verify checks every requested external against the pin table.
// Unpinned packages and version mismatches are build failures.
func (e Externals) Verify() error {
	names := make([]string, 0, len(e))
	for name := range e {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pin, ok := pins[name]
		if !ok {
			return fmt.Errorf("external %q is not on the allow-list", name)
		}
		if want := e[name]; want != "" && want != pin.Version {
			return fmt.Errorf("external %q requested at %s but pinned at %s", name, want, pin.Version)
		}
	}
	return nil
}

// ImportMapJSON renders the import map for the given externals, including
// bare subpath entries so imports like react-dom/client resolve. Output is
// deterministic: entries are sorted by name.
func ImportMapJSON(required []string) (string, error) {
	seen := make(map[string]Pin, len(required))
	for _, name := range required {
		pin, ok := pins[packageName(name)]
		if !ok {
			return "", fmt.Errorf("external %q is not on the allow-list", name)
		}
		seen[pin.Name] = pin
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("{\n  \"imports\": {\n")
	for i, name := range names {
		pin := seen[name]
		fmt.Fprintf(&b, "    %q: %q,\n", name, pin.URL())
		fmt.Fprintf(&b, "    %q: %q", name+"/", pin.URL()+"/")
		if i < len(names)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("  }\n}")
	return b.String(), nil
}

// PinnedVersion reports the pinned version for an allow-listed package.
func PinnedVersion(name string) (string, bool) {
	pin, ok := pins[name]
	if !ok {
		return "", false
	}
	return pin.Version, true
}

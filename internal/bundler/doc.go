// Package bundler compiles in-memory source file sets into one
// browser-loadable ES module.
//
// Two project conventions are supported from the same resolver: a flat
// layout (App.tsx at the root) and an aliased layout (src/ tree with @/
// rewriting to src/). A fixed allow-list of runtime packages is never
// bundled; those imports are left external and satisfied at load time by
// an import map pinned to exact CDN versions.
//
// A build either yields code or diagnostics, never both. Resolution
// failures, syntax errors, and version mismatches abort the whole build.
package bundler

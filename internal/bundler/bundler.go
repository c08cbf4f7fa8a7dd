package bundler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"go.uber.org/zap"

	"github.com/appcanvas/runtime/internal/infrastructure/config"
	"github.com/appcanvas/runtime/internal/infrastructure/logging"
	"github.com/appcanvas/runtime/internal/infrastructure/monitoring"
	"github.com/appcanvas/runtime/internal/shared/utils"
)

// Diagnostic describes one build failure.
type Diagnostic struct {
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// Result holds the outcome of one build: either Code or Diagnostics,
// never both. Externals lists the packages the bundle actually imports.
type Result struct {
	Code        string       `json:"code,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Externals   []string     `json:"externals,omitempty"`
}

// Failed reports whether the build produced no code.
func (r Result) Failed() bool {
	return len(r.Diagnostics) > 0
}

// Bundler compiles an in-memory file set into one browser-loadable module.
// It holds no per-build state and is safe for concurrent use.
type Bundler struct {
	cfg     config.BundlerConfig
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// New creates a bundler.
func New(cfg config.BundlerConfig, logger *logging.Logger, metrics *monitoring.Metrics) *Bundler {
	return &Bundler{
		cfg:     cfg,
		logger:  logger.Named("bundler"),
		metrics: metrics,
	}
}

func (b *Bundler) observe(outcome string, start time.Time) {
	if b.metrics != nil {
		b.metrics.BundlesTotal.WithLabelValues(outcome).Inc()
		b.metrics.BundleDuration.Observe(time.Since(start).Seconds())
	}
}

// Bundle compiles files into a single ES module. Any resolution failure,
// syntax error, or external version mismatch aborts the whole build; a
// failed result carries diagnostics and no code.
func (b *Bundler) Bundle(ctx context.Context, files map[string]string, externals Externals) Result {
	start := time.Now()

	if err := externals.Verify(); err != nil {
		b.observe("failed", start)
		return Result{Diagnostics: []Diagnostic{{Message: err.Error()}}}
	}

	layout, err := DetectLayout(files)
	if err != nil {
		b.observe("failed", start)
		return Result{Diagnostics: []Diagnostic{{Message: err.Error()}}}
	}

	resolver := NewResolver(files, layout, externals.Names())
	used := &usedExternals{}

	result := api.Build(api.BuildOptions{
		EntryPoints: []string{layout.EntryPoint()},
		Bundle:      true,
		Write:       false,
		Format:      api.FormatESModule,
		Platform:    api.PlatformBrowser,
		Target:      api.ES2020,
		JSX:         api.JSXAutomatic,
		// Static substitution: the flag is baked in, never read at runtime.
		Define:   map[string]string{"process.env.NODE_ENV": `"production"`},
		Plugins:  []api.Plugin{virtualFiles(resolver, used)},
		LogLevel: api.LogLevelSilent,
	})

	if len(result.Errors) > 0 {
		diags := make([]Diagnostic, 0, len(result.Errors))
		for _, msg := range result.Errors {
			d := Diagnostic{Message: msg.Text}
			if msg.Location != nil {
				d.File = msg.Location.File
				d.Line = msg.Location.Line
			}
			diags = append(diags, d)
		}
		b.logger.Warn("build failed",
			zap.Int("diagnostics", len(diags)),
			zap.String("first", diags[0].Message),
		)
		b.observe("failed", start)
		return Result{Diagnostics: diags}
	}

	if len(result.OutputFiles) == 0 {
		b.observe("failed", start)
		return Result{Diagnostics: []Diagnostic{{Message: "build produced no output"}}}
	}
	code := string(result.OutputFiles[0].Contents)

	if b.cfg.Preflight && len(code) <= b.cfg.PreflightMaxKB*1024 {
		if err := b.preflight(files, resolver, layout); err != nil {
			b.logger.Warn("preflight failed", zap.Error(err))
			b.observe("failed", start)
			return Result{Diagnostics: []Diagnostic{{Message: "preflight: " + err.Error()}}}
		}
	}

	b.logger.Info("build succeeded",
		zap.String("fileset", utils.ShortHash(utils.FileSetFingerprint(files))),
		zap.Duration("duration", time.Since(start)),
		zap.Int("bytes", len(code)),
		zap.Int("externals", len(used.list())),
	)
	b.observe("success", start)

	return Result{Code: code, Externals: used.list()}
}

// usedExternals collects external specifiers marked during one build.
// esbuild may invoke plugin callbacks from multiple goroutines.
type usedExternals struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func (u *usedExternals) add(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.seen == nil {
		u.seen = make(map[string]struct{})
	}
	u.seen[name] = struct{}{}
}

func (u *usedExternals) list() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	names := make([]string, 0, len(u.seen))
	for name := range u.seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const vfsNamespace = "vfs"

// virtualFiles routes all resolution and loading through the in-memory
// file map instead of the disk.
func virtualFiles(resolver *Resolver, used *usedExternals) api.Plugin {
	return api.Plugin{
		Name: "virtual-files",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `.*`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					if args.Kind == api.ResolveEntryPoint {
						return api.OnResolveResult{Path: args.Path, Namespace: vfsNamespace}, nil
					}

					resolved, external, err := resolver.Resolve(args.Path, args.Importer)
					if err != nil {
						return api.OnResolveResult{}, err
					}
					if external {
						used.add(args.Path)
						return api.OnResolveResult{Path: args.Path, External: true}, nil
					}
					return api.OnResolveResult{Path: resolved, Namespace: vfsNamespace}, nil
				})

			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: vfsNamespace},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					content, ok := resolver.Lookup(args.Path)
					if !ok {
						return api.OnLoadResult{}, &ResolveError{Specifier: args.Path}
					}
					loader := loaderFor(args.Path)
					return api.OnLoadResult{Contents: &content, Loader: loader}, nil
				})
		},
	}
}

func loaderFor(p string) api.Loader {
	switch {
	case strings.HasSuffix(p, ".tsx"):
		return api.LoaderTSX
	case strings.HasSuffix(p, ".ts"):
		return api.LoaderTS
	case strings.HasSuffix(p, ".jsx"):
		return api.LoaderJSX
	case strings.HasSuffix(p, ".json"):
		return api.LoaderJSON
	case strings.HasSuffix(p, ".css"):
		return api.LoaderCSS
	default:
		return api.LoaderJS
	}
}

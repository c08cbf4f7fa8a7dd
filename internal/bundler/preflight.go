package bundler

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/evanw/esbuild/pkg/api"
)

const preflightTimeout = 2 * time.Second

// preflight smoke-evaluates the file set in a hardened goja VM to catch
// top-level throws before a document ships. It runs a second build in IIFE
// form so external imports become require calls the VM can stub; module
// bodies execute, component functions do not.
func (b *Bundler) preflight(files map[string]string, resolver *Resolver, layout Layout) error {
	result := api.Build(api.BuildOptions{
		EntryPoints: []string{layout.EntryPoint()},
		Bundle:      true,
		Write:       false,
		Format:      api.FormatIIFE,
		Platform:    api.PlatformBrowser,
		Target:      api.ES2020,
		JSX:         api.JSXAutomatic,
		Define:      map[string]string{"process.env.NODE_ENV": `"production"`},
		Plugins:     []api.Plugin{virtualFiles(resolver, &usedExternals{})},
		LogLevel:    api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return fmt.Errorf("%s", result.Errors[0].Text)
	}
	if len(result.OutputFiles) == 0 {
		return fmt.Errorf("no output")
	}

	vm := goja.New()
	if err := setupPreflightGlobals(vm); err != nil {
		return err
	}

	timer := time.AfterFunc(preflightTimeout, func() {
		vm.Interrupt("preflight timeout exceeded")
	})
	defer timer.Stop()

	if _, err := vm.RunString(string(result.OutputFiles[0].Contents)); err != nil {
		return err
	}
	return nil
}

// setupPreflightGlobals stubs the browser surface module bodies touch.
// Externals resolve to empty objects; anything invoking them at top level
// is beyond what a smoke check can verify.
func setupPreflightGlobals(vm *goja.Runtime) error {
	noop := func(call goja.FunctionCall) goja.Value { return goja.Undefined() }

	vm.Set("require", func(call goja.FunctionCall) goja.Value {
		return vm.NewObject()
	})

	console := vm.NewObject()
	for _, level := range []string{"log", "warn", "error", "info", "debug"} {
		console.Set(level, noop)
	}
	vm.Set("console", console)

	document := vm.NewObject()
	document.Set("getElementById", func(call goja.FunctionCall) goja.Value { return goja.Null() })
	document.Set("querySelector", func(call goja.FunctionCall) goja.Value { return goja.Null() })
	document.Set("createElement", func(call goja.FunctionCall) goja.Value { return vm.NewObject() })
	document.Set("addEventListener", noop)
	vm.Set("document", document)

	window := vm.NewObject()
	window.Set("addEventListener", noop)
	window.Set("document", document)
	vm.Set("window", window)
	vm.Set("self", window)

	vm.Set("setTimeout", noop)
	vm.Set("setInterval", noop)
	vm.Set("fetch", noop)

	return nil
}

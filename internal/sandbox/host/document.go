// Package host assembles the self-contained document a sandbox executes.
//
// The document carries the pinned import map, a minimal protocol client,
// and the bundle itself. It holds no timestamps or randomness: identical
// inputs produce byte-identical documents, so reloads are deterministic
// and cacheable.
package host

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/appcanvas/runtime/internal/bundler"
)

// ErrEmptyBundle rejects document assembly without code.
var ErrEmptyBundle = errors.New("bundle code is empty")

type documentData struct {
	AppID      string
	ImportMap  string
	BundleB64  string
	InitialB64 string
}

// BuildDocument produces the executable document for one app. The bundle
// and the initial data snapshot are base64-transported so quote and
// script-tag characters in generated code cannot terminate the document
// early.
func BuildDocument(appID, bundleCode string, initialData json.RawMessage, requiredExternals []string) (string, error) {
	if strings.TrimSpace(bundleCode) == "" {
		return "", ErrEmptyBundle
	}

	importMap, err := bundler.ImportMapJSON(requiredExternals)
	if err != nil {
		return "", fmt.Errorf("import map: %w", err)
	}

	if len(initialData) == 0 {
		initialData = json.RawMessage("[]")
	}

	var b strings.Builder
	err = documentTemplate.Execute(&b, documentData{
		AppID:      appID,
		ImportMap:  importMap,
		BundleB64:  base64.StdEncoding.EncodeToString([]byte(bundleCode)),
		InitialB64: base64.StdEncoding.EncodeToString(initialData),
	})
	if err != nil {
		return "", fmt.Errorf("render document: %w", err)
	}
	return b.String(), nil
}

var documentTemplate = template.Must(template.New("document").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<script type="importmap">
{{.ImportMap}}
</script>
<style>
  html, body { margin: 0; height: 100%; font-family: system-ui, sans-serif; }
  #root { height: 100%; }
  #fallback { display: none; padding: 24px; color: #7f1d1d; background: #fef2f2; }
  #fallback pre { white-space: pre-wrap; font-size: 12px; }
</style>
</head>
<body>
<div id="root"></div>
<div id="fallback"><strong>Application failed to start.</strong><pre id="fallback-detail"></pre></div>
<script>
(function () {
  "use strict";
  var APP_ID = {{printf "%q" .AppID}};
  var initialData = JSON.parse(atob({{printf "%q" .InitialB64}}));
  var currentData = initialData;
  var pending = {};
  var seq = 0;
  var REQUEST_TIMEOUT_MS = 30000;

  function post(type, payload) {
    window.parent.postMessage(JSON.stringify({
      type: type,
      payload: payload,
      timestamp: Date.now(),
      source: "sandbox"
    }), "*");
  }

  function showFallback(detail) {
    document.getElementById("root").style.display = "none";
    var panel = document.getElementById("fallback");
    panel.style.display = "block";
    document.getElementById("fallback-detail").textContent = detail || "";
  }

  function mintId() {
    seq += 1;
    return "req_" + APP_ID + "_" + seq + "_" + Math.random().toString(36).slice(2, 10);
  }

  var client = {
    getData: function () { return currentData; },
    updateData: function (data) {
      currentData = data;
      post("data-update", { data: data });
    },
    fetch: function (endpoint, opts) {
      opts = opts || {};
      var requestId = mintId();
      return new Promise(function (resolve, reject) {
        // The response and the timer race; whichever fires first evicts
        // the entry, so each request settles exactly once.
        var timer = setTimeout(function () {
          delete pending[requestId];
          reject(new Error("request timed out: " + requestId));
        }, REQUEST_TIMEOUT_MS);
        pending[requestId] = { resolve: resolve, reject: reject, timer: timer };
        post("api-request", {
          requestId: requestId,
          method: opts.method || "GET",
          endpoint: endpoint || "",
          body: opts.body || null
        });
      });
    }
  };
  window.appcanvas = client;

  window.addEventListener("message", function (event) {
    var msg;
    try { msg = JSON.parse(event.data); } catch (e) { return; }
    if (!msg || !msg.type) { return; }
    if (msg.type === "init") {
      currentData = (msg.payload && msg.payload.data) || initialData;
      post("ready", { appId: APP_ID });
      start();
    } else if (msg.type === "api-response") {
      var p = msg.payload || {};
      var entry = pending[p.requestId];
      if (!entry) { return; }
      delete pending[p.requestId];
      clearTimeout(entry.timer);
      if (p.success) { entry.resolve(p.data); } else { entry.reject(new Error(p.error || "request failed")); }
    } else if (msg.type === "api-request") {
      var q = msg.payload || {};
      if (q.requestId) {
        post("api-response", { requestId: q.requestId, success: true, data: currentData });
      }
    } else if (msg.type === "data-update") {
      currentData = (msg.payload && msg.payload.data) || currentData;
    }
  });

  window.addEventListener("error", function (event) {
    post("error", { message: String(event.message || "unknown error"), stack: event.error && event.error.stack || "" });
  });
  window.addEventListener("unhandledrejection", function (event) {
    var reason = event.reason || {};
    post("error", { message: String(reason.message || reason), stack: reason.stack || "" });
  });

  ["log", "warn", "error", "info"].forEach(function (level) {
    var original = console[level].bind(console);
    console[level] = function () {
      var parts = [];
      for (var i = 0; i < arguments.length; i++) { parts.push(String(arguments[i])); }
      post("event", { kind: "console", level: level, message: parts.join(" ") });
      original.apply(null, arguments);
    };
  });

  var nativeFetch = window.fetch.bind(window);
  window.fetch = function (input, init) {
    var url = typeof input === "string" ? input : (input && input.url) || "";
    var method = (init && init.method) || "GET";
    var started = Date.now();
    return nativeFetch(input, init).then(function (response) {
      post("event", { kind: "network", url: url, method: method, status: response.status, durationMs: Date.now() - started });
      return response;
    }, function (err) {
      post("event", { kind: "network", url: url, method: method, status: 0, durationMs: Date.now() - started });
      throw err;
    });
  };

  var started = false;
  function start() {
    if (started) { return; }
    started = true;
    var source = atob({{printf "%q" .BundleB64}});
    var blob = new Blob([source], { type: "text/javascript" });
    var url = URL.createObjectURL(blob);
    import(url).then(function () {
      post("event", { kind: "lifecycle", message: "bundle loaded" });
    }).catch(function (err) {
      showFallback(err && (err.stack || err.message) || String(err));
      post("error", { message: "bundle evaluation failed: " + (err && err.message || err), stack: err && err.stack || "" });
    });
  }
})();
</script>
</body>
</html>
`))

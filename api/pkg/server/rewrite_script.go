package server

import (
	"net/http"
	"strings"
)

// pathRewriteScript is served to the embedded UI shell. It wraps fetch and
// XMLHttpRequest so that the UI's root-absolute API calls are re-routed
// under the gateway mount before they ever leave the page. Anything it
// misses still lands on the root fallback routes.
const pathRewriteScript = `(function () {
  "use strict";
  if (window.__kfpBridgePathRewrite) { return; }
  window.__kfpBridgePathRewrite = true;

  var PREFIX = "__KFP_BRIDGE_PREFIX__";
  var UI_BASE = PREFIX + "/ui";
  var ROOT_API_PATHS = [
    "/ml_metadata.MetadataStoreService/",
    "/system/",
    "/apis/v1beta1/",
    "/apis/v2beta1/",
    "/k8s/"
  ];

  function rewritePath(path) {
    if (path.indexOf(UI_BASE + "/") === 0 || path === UI_BASE) {
      return path;
    }
    for (var i = 0; i < ROOT_API_PATHS.length; i++) {
      if (path.indexOf(ROOT_API_PATHS[i]) === 0) {
        return UI_BASE + path;
      }
    }
    return path;
  }

  function rewriteURL(url) {
    if (typeof url !== "string") { return url; }
    if (url.indexOf("/") === 0 && url.indexOf("//") !== 0) {
      return rewritePath(url);
    }
    if (url.indexOf(window.location.origin + "/") === 0) {
      var path = url.slice(window.location.origin.length);
      return window.location.origin + rewritePath(path);
    }
    return url;
  }

  var originalFetch = window.fetch;
  window.fetch = function (input, init) {
    if (typeof input === "string") {
      return originalFetch.call(this, rewriteURL(input), init);
    }
    if (input && typeof input.url === "string") {
      return originalFetch.call(this, new Request(rewriteURL(input.url), input), init);
    }
    return originalFetch.call(this, input, init);
  };

  var originalOpen = XMLHttpRequest.prototype.open;
  XMLHttpRequest.prototype.open = function (method, url) {
    arguments[1] = rewriteURL(url);
    return originalOpen.apply(this, arguments);
  };
})();
`

// rewriteScriptHandler serves the path rewriter with the mount prefix
// baked in.
func (s *Server) rewriteScriptHandler(w http.ResponseWriter, _ *http.Request) {
	script := strings.ReplaceAll(pathRewriteScript, "__KFP_BRIDGE_PREFIX__", s.mountBase())
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(script))
}

package api

import (
    _ "embed"
    "net/http"
    "strings"

    yaml "gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPISpec []byte

// OpenAPIHandler serves the OpenAPI document: /openapi.yaml as is,
// /openapi.json converted.
func (s *Server) OpenAPIHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if !strings.HasSuffix(r.URL.Path, ".json") {
        w.Header().Set("Content-Type", "application/yaml")
        w.WriteHeader(200)
        _, _ = w.Write(openAPISpec)
        return
    }
    var obj map[string]any
    if err := yaml.Unmarshal(openAPISpec, &obj); err != nil { writeProblem(w, 500, "OpenAPI parse failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, obj)
}

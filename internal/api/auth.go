// Package api implements the HTTP surface of the optimizer: job submission,
// job status and results, progress streams and admin endpoints.
package api

import (
    "errors"
    "net/http"
    "strings"

    "github.com/Pierre-Graber/optimizer-api/internal/auth"
)

var errUnauthenticated = errors.New("missing bearer token")

// getPrincipal extracts tenant and role from the bearer token.
// - If Authorization: Bearer is present, uses the configured verifier (dev/hmac).
// - Else, in dev mode only, falls back to the X-Tenant-Id and X-Role headers.
func (s *Server) getPrincipal(r *http.Request) (auth.Principal, error) {
    authz := r.Header.Get("Authorization")
    if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
        tok := strings.TrimSpace(authz[len("Bearer "):])
        return s.Auth.Verify(tok)
    }
    if s.Auth != nil && s.Auth.Mode != auth.ModeDev {
        return auth.Principal{}, errUnauthenticated
    }
    tenant := r.Header.Get("X-Tenant-Id")
    role := strings.ToLower(r.Header.Get("X-Role"))
    if tenant == "" {
        tenant = "t_demo"
    }
    if role == "" {
        role = auth.RoleAdmin
    }
    return auth.Principal{Tenant: tenant, Role: role}, nil
}

// principal writes a 401 and returns false when the request is not
// authenticated.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
    p, err := s.getPrincipal(r)
    if err != nil {
        writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
        return auth.Principal{}, false
    }
    return p, true
}

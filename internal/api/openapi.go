package api

import (
	"net/http"
	"strings"
)

// route describes one endpoint for the generated document.
type route struct {
	Method  string
	Path    string
	Summary string
	Public  bool
	Params  []string
	Codes   map[string]string
}

// routes lists the endpoints this server mounts, in documentation order.
func (s *Server) routes() []route {
	out := []route{
		{Method: http.MethodGet, Path: "/healthz", Summary: "Runtime health counters", Public: true, Codes: map[string]string{"200": "Health"}},
	}
	if s.deps.Metrics != nil {
		out = append(out, route{Method: http.MethodGet, Path: "/metrics", Summary: "Prometheus metrics", Public: true, Codes: map[string]string{"200": "Metrics in text exposition format"}})
	}
	out = append(out,
		route{Method: http.MethodGet, Path: "/units", Summary: "Live isolation units and their plugin instances", Codes: map[string]string{"200": "Units"}},
		route{Method: http.MethodGet, Path: "/units/{unit}", Summary: "One isolation unit", Params: []string{"unit"}, Codes: map[string]string{"200": "Unit", "404": "Unknown unit"}},
		route{Method: http.MethodGet, Path: "/plugins", Summary: "Plugin catalog", Codes: map[string]string{"200": "Plugins"}},
		route{Method: http.MethodGet, Path: "/commands", Summary: "Scheduled commands and the recent journal", Codes: map[string]string{"200": "Commands", "400": "Bad limit"}},
		route{Method: http.MethodGet, Path: "/commands/{id}", Summary: "One journaled execution", Params: []string{"id"}, Codes: map[string]string{"200": "Entry", "404": "Unknown entry"}},
		route{Method: http.MethodGet, Path: "/events", Summary: "Server-sent runtime events", Codes: map[string]string{"200": "text/event-stream"}},
	)
	if s.deps.Webhook != nil && s.deps.WebhookPath != "" {
		out = append(out, route{
			Method:  http.MethodPost,
			Path:    s.deps.WebhookPath,
			Summary: "Build-tool notification (HMAC-SHA256 signed)",
			Public:  true,
			Codes:   map[string]string{"202": "Rescan scheduled", "400": "Bad body", "403": "Bad signature", "413": "Body too large"},
		})
	}
	return out
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering routes.
func buildOpenAPIDoc(routes []route) map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		responses := map[string]any{}
		for code, desc := range rt.Codes {
			responses[code] = map[string]any{"description": desc}
		}
		operation := map[string]any{
			"operationId": operationID(rt),
			"summary":     rt.Summary,
			"responses":   responses,
		}
		if rt.Public {
			operation["security"] = []any{}
		} else {
			responses["401"] = map[string]any{"description": "Missing or invalid API key"}
			operation["security"] = []any{map[string]any{"BearerAuth": []string{}}}
		}
		if len(rt.Params) > 0 {
			params := make([]any, 0, len(rt.Params))
			for _, p := range rt.Params {
				params = append(params, map[string]any{
					"name":     p,
					"in":       "path",
					"required": true,
					"schema":   map[string]any{"type": "string"},
				})
			}
			operation["parameters"] = params
		}

		item, ok := paths[rt.Path].(map[string]any)
		if !ok {
			item = map[string]any{}
			paths[rt.Path] = item
		}
		item[strings.ToLower(rt.Method)] = operation
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "hotpatch admin API",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func operationID(rt route) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(rt.Method))
	for _, part := range strings.Split(rt.Path, "/") {
		part = strings.Trim(part, "{}")
		if part == "" {
			continue
		}
		b.WriteString("_")
		b.WriteString(part)
	}
	return b.String()
}

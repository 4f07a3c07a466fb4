package handler

import (
	"maps"
	"net/http"

	"github.com/labstack/echo/v4"
)

// OpenAPIHandler serves the OpenAPI 3.0 description of this service.
type OpenAPIHandler struct {
	doc map[string]any
}

// NewOpenAPIHandler builds the document once for the given build version.
func NewOpenAPIHandler(v Version) *OpenAPIHandler {
	return &OpenAPIHandler{doc: openAPIDocument(string(v))}
}

// Serve writes the document as JSON.
func (h *OpenAPIHandler) Serve(c echo.Context) error {
	return c.JSON(http.StatusOK, h.doc)
}

func jsonResponse(desc, schemaRef string) map[string]any {
	return map[string]any{
		"description": desc,
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{"$ref": "#/components/schemas/" + schemaRef},
			},
		},
	}
}

func errorResponses(codes ...string) map[string]any {
	out := make(map[string]any, len(codes))
	for _, code := range codes {
		out[code] = jsonResponse("Error", "Error")
	}
	return out
}

func openAPIDocument(version string) map[string]any {
	proxied := map[string]any{
		"summary":     "Forward to the Wolf API",
		"description": "The /wolfapi prefix is stripped and the request is forwarded to Wolf over its Unix socket. Status, headers and body are relayed.",
		"parameters": []any{
			map[string]any{
				"name":     "path",
				"in":       "path",
				"required": true,
				"schema":   map[string]any{"type": "string"},
			},
		},
		"responses": merge(
			map[string]any{"default": map[string]any{"description": "Response relayed from Wolf"}},
			errorResponses("400", "501", "502", "503", "504"),
		),
	}

	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "wm-api",
			"version": version,
		},
		"paths": map[string]any{
			"/healthz": map[string]any{
				"get": map[string]any{
					"summary":   "Liveness probe",
					"responses": map[string]any{"200": jsonResponse("Service is up", "Status")},
				},
			},
			"/api/v1/ping": map[string]any{
				"get": map[string]any{
					"summary": "Database ping",
					"responses": map[string]any{
						"200": jsonResponse("Database reachable", "Ping"),
						"500": jsonResponse("Database unreachable", "Ping"),
					},
				},
			},
			"/api/v1/events/stream": map[string]any{
				"get": map[string]any{
					"summary": "Server-sent heartbeat events",
					"responses": map[string]any{
						"200": map[string]any{
							"description": "Event stream",
							"content": map[string]any{
								"text/event-stream": map[string]any{
									"schema": map[string]any{"type": "string"},
								},
							},
						},
					},
				},
			},
			"/proxy/status": map[string]any{
				"get": map[string]any{
					"summary":   "Proxy status",
					"responses": map[string]any{"200": map[string]any{"description": "Version, socket path and local addresses"}},
				},
			},
			"/wolfapi/_ready": map[string]any{
				"get": map[string]any{
					"summary": "Wolf readiness",
					"responses": map[string]any{
						"200": jsonResponse("Wolf socket accepts connections", "Status"),
						"503": jsonResponse("Wolf socket unavailable", "Error"),
					},
				},
			},
			"/wolfapi/{path}": map[string]any{
				"get":    proxied,
				"post":   proxied,
				"put":    proxied,
				"patch":  proxied,
				"delete": proxied,
			},
		},
		"components": map[string]any{
			"schemas": map[string]any{
				"Status": map[string]any{
					"type":       "object",
					"properties": map[string]any{"status": map[string]any{"type": "string"}},
				},
				"Ping": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"ok": map[string]any{"type": "boolean"},
						"db": map[string]any{"type": "string", "enum": []string{"up", "down"}},
					},
				},
				"Error": map[string]any{
					"type":     "object",
					"required": []string{"error", "detail"},
					"properties": map[string]any{
						"error": map[string]any{
							"type": "string",
							"enum": []string{
								"UpstreamTimeout", "UpstreamUnavailable", "InvalidUri", "InvalidBody",
								"ResponseConversionError", "UpstreamError", "NotImplemented",
							},
						},
						"detail": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

func merge(a, b map[string]any) map[string]any {
	out := maps.Clone(a)
	maps.Copy(out, b)
	return out
}

// Package server exposes function records and deploy runs over HTTP.
//
// Routes are served under /api with chi:
//
//	GET    /api/health
//	GET    /api/ws                                   websocket event stream
//	GET    /api/deployments/active
//	GET    /api/policies
//	GET    /api/workspaces/{workspaceID}/functions
//	POST   /api/workspaces/{workspaceID}/functions
//	GET    /api/functions/{functionID}
//	PATCH  /api/functions/{functionID}
//	DELETE /api/functions/{functionID}
//	POST   /api/functions/{functionID}/deploy        202, runs in the background
//	DELETE /api/functions/{functionID}/deploy        cancel the active run
//	POST   /api/functions/{functionID}/deploy/resume
//	GET    /api/functions/{functionID}/deployments
//	GET    /api/functions/{functionID}/deployments/{runID}/events
//
// Errors are returned as {"error": "...", "code": "...", "details": ...}.
// Deploy events published through telemetry are fanned out to websocket
// clients, optionally filtered with ?function_id=.
package server

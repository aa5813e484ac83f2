package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "GoWPS API",
		Version:     "v1",
		Description: "Web processing service: deploy CWL application packages and execute them as jobs",
		Endpoints: []endpointInfo{
			{"/api/v1/processes", []string{"GET", "POST"}, "List and deploy processes"},
			{"/api/v1/processes/{id}", []string{"GET", "PUT", "DELETE"}, "Describe, update (?mode=replace) or undeploy (?force=true) a process"},
			{"/api/v1/processes/{id}/versions", []string{"GET"}, "Retained versions of a process"},
			{"/api/v1/processes/{id}/visibility", []string{"PUT"}, "Change process visibility"},
			{"/api/v1/processes/{id}/execution", []string{"POST"}, "Execute a process (Prefer: respond-async or wait=N)"},
			{"/api/v1/jobs", []string{"GET"}, "List jobs (?status=&process=)"},
			{"/api/v1/jobs/{id}", []string{"GET", "DELETE"}, "Job status and dismissal"},
			{"/api/v1/jobs/{id}/results", []string{"GET"}, "Output references of a succeeded job"},
			{"/api/v1/jobs/{id}/logs", []string{"GET"}, "Execution logs (?after=&limit=)"},
			{"/api/v1/jobs/{id}/exceptions", []string{"GET"}, "Error details of a failed job"},
			{"/api/v1/jobs/{id}/history", []string{"GET"}, "Status events of a job"},
			{"/api/v1/jobs/{id}/events", []string{"GET"}, "Server-sent status updates until the job ends"},
			{"/api/v1/jobs/{id}/outputs/{output}/{name}", []string{"GET"}, "Download a published output file"},
			{"/api/v1/vault", []string{"POST"}, "Upload a file for one-time use as a job input"},
			{"/api/v1/vault/{id}", []string{"GET", "HEAD", "DELETE"}, "Read, inspect or delete a vault file (X-Auth-Vault)"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}

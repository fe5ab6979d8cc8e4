package provider

import "strings"

// BuildFullURL joins a deployment endpoint with an adapter path without
// duplicating segments. Endpoints are stored in several shapes: bare
// hosts, hosts ending in /v1, and full chat URLs pasted from provider
// dashboards.
func BuildFullURL(endpoint, path string) string {
	endpoint = strings.TrimRight(endpoint, "/")

	// Endpoint already carries the full path.
	if strings.HasSuffix(endpoint, "/chat/completions") || strings.HasSuffix(endpoint, "/messages") {
		return endpoint
	}

	// Endpoint ends at /v1 and the path repeats it.
	if strings.HasSuffix(endpoint, "/v1") {
		if strings.HasPrefix(path, "/v1") {
			return endpoint + path[3:]
		}
		return endpoint + path
	}

	return endpoint + path
}

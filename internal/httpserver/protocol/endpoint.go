package protocol

import "net/http"

// EndpointRoute binds one handler to a method and chi path pattern.
type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Endpoint groups the routes of one API area.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}

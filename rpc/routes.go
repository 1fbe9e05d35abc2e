package rpc

import "strings"

// Well-known logical routes of the job endpoints.
const (
	RouteRunSimulation = "runSimulation"
	RouteRunStatus     = "runStatus"
	RouteRunCancel     = "runCancel"
)

// Routes maps logical route names to concrete paths.
type Routes map[string]string

// DefaultRoutes returns the paths of the job endpoints.
func DefaultRoutes() Routes {
	return Routes{
		RouteRunSimulation: "/run-simulation",
		RouteRunStatus:     "/run-status",
		RouteRunCancel:     "/run-cancel",
	}
}

// Resolve returns the path for name. Names that are not registered are
// treated as paths and returned with a leading slash.
func (r Routes) Resolve(name string) string {
	if p, ok := r[name]; ok {
		return p
	}
	if strings.HasPrefix(name, "/") {
		return name
	}
	return "/" + name
}

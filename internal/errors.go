package gateway

import "errors"

// Sentinel errors for the gateway domain. Handlers resolve these to HTTP
// status codes through a single errors.Is chain (see server.errorStatus);
// nothing else should hand-roll a status code from domain logic.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrBadRequest      = errors.New("bad request")
	ErrKeyBlocked      = errors.New("api key disabled")
	ErrRouteUnresolved = errors.New("no route resolved")
	ErrUpstream        = errors.New("upstream error")
	ErrConfigInvalid   = errors.New("config invalid")
	ErrClientClosed    = errors.New("client closed connection")
)

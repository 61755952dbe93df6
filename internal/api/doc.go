// Package api handles incoming HTTP requests, routing, request validation,
// and response formatting. It is the adapter between HTTP clients and the
// admission, stats, session and academic read paths: it never drives the
// browser itself, it only admits tasks that the worker executes.
package api

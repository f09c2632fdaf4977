/*
Package httpserver runs the admin API with its health, drain and profiling
endpoints and, when configured, the Prometheus metrics listener.

	GET /livez    always alive
	GET /readyz   503 while draining
	GET /drain    mark not ready so load balancers stop routing
	GET /undrain  mark ready again

Route handlers are supplied by packages implementing RouteRegistrar, such as
api/adminhandler. Every request is logged with httplogger.
*/
package httpserver

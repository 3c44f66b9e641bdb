/*
Package httpserver exposes a storage backend and its monitor over HTTP.

# Endpoints

	GET    /api/blobs/{key}     read a blob (404 if absent)
	HEAD   /api/blobs/{key}     existence check
	PUT    /api/blobs/{key}     write the request body; Content-Type is passed through
	DELETE /api/blobs/{key}     delete (idempotent)
	GET    /api/keys?prefix=p   {"keys": [...]}, sorted
	GET    /api/stats           monitor snapshot per target and operation
	GET    /api/advice          operations crossing the configured thresholds
	GET    /metrics             Prometheus exposition (when a gatherer is configured)
	GET    /livez, /readyz      liveness and readiness
	GET    /drain, /undrain     toggle readiness ahead of a rollout

PUT and DELETE hold the resource named by the X-Leasestore-Lock header, if
present, for the duration of the write. A contended lock answers 409 with
Retry-After.

# Error mapping

	invalid key            400
	not found              404
	lock busy / lost       409
	medium failure         502
	canceled               503
	anything else          500
*/
package httpserver

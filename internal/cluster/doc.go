// Package cluster holds the coordinator's admin API contract: the paths,
// the request and response bodies, and a small JSON-over-HTTP client used
// by the command line tools.
//
// # Endpoints
//
//	POST   /calculations               submit a calculation envelope → {"id": ...}
//	GET    /calculations               list running and finished calculations
//	GET    /calculations/{id}          status view of one calculation
//	DELETE /calculations/{id}          cancel
//	POST   /calculations/{id}/consume  fetch the outcome and drop it
//	GET    /sessions                   connected workers
//	GET    /state                      state report
//	GET    /health                     liveness
//	POST   /shutdown                   graceful stop
//
// A worker process may expose GET /status with its own view (see
// worker.Status).
//
// # Errors
//
// Every non-2xx answer carries an ErrorResponse body. The client turns it
// into a *StatusError; IsNotFound tells a missing calculation apart from
// other failures.
//
// # Example
//
//	c := cluster.NewClient("127.0.0.1:8080")
//	id, err := c.Submit(ctx, json.RawMessage(`{"bin":"sum","params":{"a":1,"b":2}}`))
//	if err != nil {
//	    return err
//	}
//	snap, err := c.Status(ctx, id)
package cluster

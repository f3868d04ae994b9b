// Package services puts the coordinator on the network.
//
// CoordinatorHandler exposes every protocol.Controller operation as
// POST /<operation> with a JSON body, plus GET /check_progress. Request
// bodies may name a namespace and a group; both default. Errors are
// returned as {"status":"failure","error":...} with these codes:
//
//	400  malformed request (protocol.ErrMalformedRequest)
//	401  namespace credentials rejected (ErrUnauthorized)
//	409  protocol order violated (protocol.ErrNotRegistered)
//	503  request cancelled while polling
//	500  anything else
//
// HTTPController is the participant side of the same routes and maps those
// codes back to the sentinel errors, so a protocol.Aggregator behaves the
// same over HTTP as over an in-process protocol.Coordinator.
//
// NamespaceAuth checks basic auth credentials against bcrypt hashes. The
// basic auth user is the namespace name.
//
// PostgresStore persists registrations so ring indexes survive a coordinator
// restart. Metrics exports coordinator events and request latencies to
// Prometheus.
package services

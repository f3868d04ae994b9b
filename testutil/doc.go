// Package testutil runs coordinators and participants over real HTTP for tests.
//
//	_, srv := testutil.StartCoordinator(t, nil, nil)
//	aggs := testutil.Participants(t, srv.URL, protocol.AlgorithmSAFE, 4, nil)
//	results := testutil.AggregateAll(t, aggs, values)
//
// It must not be used by production code.
package testutil

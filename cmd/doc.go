// Package cmd holds the binaries of the aggregation system.
//
// # Commands
//
// coordinator: serves the SAFE, BON and INSEC coordinators for every
// namespace over HTTP, with optional namespace auth, PostgreSQL
// registration persistence and a Prometheus metrics server.
//
//	go run ./cmd/coordinator --config=coordinator.yaml
//	PROGRESS_TIMEOUT=30 AUTH_ENABLED=true go run ./cmd/coordinator
//
// participant: registers with a coordinator and aggregates vectors read
// from stdin, one per line.
//
//	SAFE_CONFIG=participant.yaml go run ./cmd/participant
//	SAFE_CONFIG=participant.yaml WEIGHT=120 go run ./cmd/participant
//	SAFE_CONFIG=participant.yaml go run ./cmd/participant clear
//
// add-namespace: adds a namespace password to the coordinator's namespaces file.
//
//	go run ./cmd/add-namespace --file=./namespaces.json --namespace=tenant
//
// # Configuration
//
// Coordinator and participant read YAML files through cmd/common. Durations
// are Go duration strings or plain numbers of seconds.
package cmd

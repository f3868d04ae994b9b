package protocol

import (
	"context"
)

// Controller is the coordinator's RPC surface as seen by a participant.
// Coordinator implements it in-process; services.HTTPController over HTTP.
type Controller interface {
	// Register assigns the next ring index of the group to a public key.
	// Registering the same key again returns its existing index.
	Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error)

	// Registrations returns every registration of the group.
	Registrations(ctx context.Context, req *RegistrationsRequest) (Registrations, error)

	// PostAggregate stores a running sum for its target.
	PostAggregate(ctx context.Context, req *PostAggregateRequest) error

	// CheckAggregate polls the fate of the sum last posted to a node.
	CheckAggregate(ctx context.Context, req *NodeRequest) (*CheckAggregateResponse, error)

	// GetAggregate polls for the sum addressed to a node and consumes it.
	GetAggregate(ctx context.Context, req *NodeRequest) (*GetAggregateResponse, error)

	// PostAverage publishes a group's round average.
	PostAverage(ctx context.Context, req *PostAverageRequest) error

	// GetAverage polls for the average combined over every group.
	GetAverage(ctx context.Context, req *GetAverageRequest) (*GetAverageResponse, error)

	// ShouldInitiate starts a new round with the node as initiator when the
	// group has no round or its round is older than the aggregation timeout.
	ShouldInitiate(ctx context.Context, req *NodeRequest) (*ShouldInitiateResponse, error)

	// InitWeights creates the BON state of a node.
	InitWeights(ctx context.Context, req *NodeRequest) error

	// PostWeights submits masked BON weights and advances the node's epoch.
	PostWeights(ctx context.Context, req *PostWeightsRequest) (*PostWeightsResponse, error)

	// PostSecret submits a node's negated private mask.
	PostSecret(ctx context.Context, req *PostSecretRequest) (*EpochResponse, error)

	// PostRevealSecret submits a node's correction for failed participants.
	PostRevealSecret(ctx context.Context, req *PostRevealSecretRequest) (*EpochResponse, error)

	// GetWeights waits for the BON rendezvous of an epoch.
	GetWeights(ctx context.Context, req *GetWeightsRequest) (*GetWeightsResponse, error)

	// UpdateModel submits an INSEC vector and waits for the mean.
	UpdateModel(ctx context.Context, req *UpdateModelRequest) (*UpdateModelResponse, error)

	// ClearData resets every protocol instance of a namespace.
	ClearData(ctx context.Context, req *ClearDataRequest) error
}

// StoredRegistration is a persisted registration.
type StoredRegistration struct {
	Namespace string
	Group     int
	PubKey    string
	Index     int
}

// RegistrationStore persists registrations so ring indexes survive a
// coordinator restart.
type RegistrationStore interface {
	// SaveRegistration persists one registration.
	SaveRegistration(ctx context.Context, reg StoredRegistration) error

	// LoadRegistrations returns every registration of a namespace.
	LoadRegistrations(ctx context.Context, namespace string) ([]StoredRegistration, error)

	// DeleteNamespace removes every registration of a namespace.
	DeleteNamespace(ctx context.Context, namespace string) error
}

// EventSink observes coordinator events, e.g. to export metrics.
type EventSink interface {
	RoundStarted(namespace string, group, initiator int)
	RelayFailed(namespace string, group, failed int)
	DropoutDetected(namespace string, failed []int)
	RendezvousTimedOut(namespace string, algorithm Algorithm)
}

type nopEvents struct{}

func (nopEvents) RoundStarted(string, int, int) {}
func (nopEvents) RelayFailed(string, int, int) {}
func (nopEvents) DropoutDetected(string, []int) {}
func (nopEvents) RendezvousTimedOut(string, Algorithm) {}

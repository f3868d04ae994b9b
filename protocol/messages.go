package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cablelabs/safe/crypto"
)

// Status is the outcome field every coordinator response carries.
type Status string

const (
	StatusEmpty    Status = "empty"
	StatusOK       Status = "ok"
	StatusConsumed Status = "consumed"
	StatusRepost   Status = "repost"
	StatusFailure  Status = "failure"
)

// Scope addresses a namespace and a group within it.
type Scope struct {
	Namespace string `json:"namespace,omitempty"`
	Group     int    `json:"group,omitempty"`
}

// NamespaceOrDefault returns the namespace, or DefaultNamespace when unset.
func (s Scope) NamespaceOrDefault() string {
	if s.Namespace == "" {
		return DefaultNamespace
	}
	return s.Namespace
}

// GroupOrDefault returns the group, or DefaultGroup when unset.
func (s Scope) GroupOrDefault() int {
	if s.Group == 0 {
		return DefaultGroup
	}
	return s.Group
}

// Payload is a relayed running sum: an envelope when encryption is enabled,
// the raw vector otherwise. On the wire it is either a JSON object or an array.
type Payload struct {
	Envelope *crypto.Envelope
	Vector   []float64
}

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Envelope != nil {
		return json.Marshal(p.Envelope)
	}
	if p.Vector == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.Vector)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Payload) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedRequest)
	}
	switch trimmed[0] {
	case '{':
		var env crypto.Envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return err
		}
		*p = Payload{Envelope: &env}
	case '[':
		var v []float64
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return err
		}
		*p = Payload{Vector: v}
	default:
		return fmt.Errorf("%w: payload must be an object or an array", ErrMalformedRequest)
	}
	return nil
}

// IsZero reports whether the payload carries nothing.
func (p *Payload) IsZero() bool {
	return p == nil || (p.Envelope == nil && len(p.Vector) == 0)
}

// KeyString is a registered public key. Participants may send it as a JSON
// string or, for BON and INSEC public values, as a bare number.
type KeyString string

// UnmarshalJSON implements json.Unmarshaler.
func (k *KeyString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*k = KeyString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("%w: pub_key must be a string or a number", ErrMalformedRequest)
	}
	*k = KeyString(n.String())
	return nil
}

// RegisterRequest registers a public key in a group.
type RegisterRequest struct {
	Scope
	PubKey KeyString `json:"pub_key"`
}

func (r *RegisterRequest) Validate() error {
	if r.PubKey == "" {
		return fmt.Errorf("%w: pub_key is required", ErrMalformedRequest)
	}
	return validateScope(r.Scope)
}

// RegisterResponse carries the assigned ring index.
type RegisterResponse struct {
	Index int `json:"index"`
}

// RegistrationsRequest lists the registrations of a group.
type RegistrationsRequest struct {
	Scope
}

func (r *RegistrationsRequest) Validate() error {
	return validateScope(r.Scope)
}

// Registration is one registered participant.
type Registration struct {
	PubKey string `json:"pub_key"`
}

// Registrations maps ring index to registration.
type Registrations map[int]Registration

// PostAggregateRequest delivers a running sum to the mailbox of ToNode.
type PostAggregateRequest struct {
	Scope
	FromNode  int     `json:"from_node"`
	ToNode    int     `json:"to_node"`
	Aggregate Payload `json:"aggregate"`
}

func (r *PostAggregateRequest) Validate() error {
	if r.FromNode < 1 || r.ToNode < 1 {
		return fmt.Errorf("%w: from_node and to_node are required", ErrMalformedRequest)
	}
	if r.Aggregate.IsZero() {
		return fmt.Errorf("%w: aggregate is required", ErrMalformedRequest)
	}
	return validateScope(r.Scope)
}

// NodeRequest names a node within a scope.
type NodeRequest struct {
	Scope
	Node int `json:"node"`
}

func (r *NodeRequest) Validate() error {
	if r.Node < 1 {
		return fmt.Errorf("%w: node is required", ErrMalformedRequest)
	}
	return validateScope(r.Scope)
}

// CheckAggregateResponse reports what happened to the sum posted to a node.
type CheckAggregateResponse struct {
	Status   Status `json:"status"`
	RepostTo int    `json:"repost_to,omitempty"`
}

// GetAggregateResponse carries the running sum addressed to a node.
type GetAggregateResponse struct {
	Status    Status   `json:"status"`
	Aggregate *Payload `json:"aggregate,omitempty"`
	FromNode  int      `json:"from_node,omitempty"`
	Posted    int      `json:"posted,omitempty"`
	Round     int      `json:"round,omitempty"`
}

// PostAverageRequest publishes a group's average. Round names the round
// the average completes; zero means the group's current round.
type PostAverageRequest struct {
	Scope
	Node    *int      `json:"node,omitempty"`
	Round   int       `json:"round,omitempty"`
	Average []float64 `json:"average"`
}

func (r *PostAverageRequest) Validate() error {
	if len(r.Average) == 0 || r.Round < 0 {
		return fmt.Errorf("%w: average is required and round must not be negative", ErrMalformedRequest)
	}
	return validateScope(r.Scope)
}

// GetAverageRequest polls the combined average of the generation Round
// completed in, or of the latest generation when Round is zero.
type GetAverageRequest struct {
	Scope
	Node  *int `json:"node,omitempty"`
	Round int  `json:"round,omitempty"`
}

func (r *GetAverageRequest) Validate() error {
	if r.Round < 0 {
		return fmt.Errorf("%w: round must not be negative", ErrMalformedRequest)
	}
	return validateScope(r.Scope)
}

// GetAverageResponse carries the combined average once every group posted.
type GetAverageResponse struct {
	Status  Status    `json:"status"`
	Average []float64 `json:"average,omitempty"`
}

// ShouldInitiateResponse tells a participant whether it now initiates its group's round.
type ShouldInitiateResponse struct {
	Init bool `json:"init"`
}

// PostWeightsRequest submits masked BON weights.
type PostWeightsRequest struct {
	Scope
	Node    int       `json:"node"`
	Weights []float64 `json:"weights"`
}

func (r *PostWeightsRequest) Validate() error {
	if r.Node < 1 || len(r.Weights) == 0 {
		return fmt.Errorf("%w: node and weights are required", ErrMalformedRequest)
	}
	return validateScope(r.Scope)
}

// PostWeightsResponse asks the participant to follow up with its secret.
type PostWeightsResponse struct {
	PostSecret bool `json:"post_secret"`
}

// PostSecretRequest submits the negated private mask.
type PostSecretRequest struct {
	Scope
	Node   int       `json:"node"`
	Secret []float64 `json:"secret"`
}

func (r *PostSecretRequest) Validate() error {
	if r.Node < 1 || len(r.Secret) == 0 {
		return fmt.Errorf("%w: node and secret are required", ErrMalformedRequest)
	}
	return validateScope(r.Scope)
}

// PostRevealSecretRequest submits the correction for failed participants.
type PostRevealSecretRequest struct {
	Scope
	Node         int       `json:"node"`
	RevealSecret []float64 `json:"reveal_secret"`
}

func (r *PostRevealSecretRequest) Validate() error {
	if r.Node < 1 || len(r.RevealSecret) == 0 {
		return fmt.Errorf("%w: node and reveal_secret are required", ErrMalformedRequest)
	}
	return validateScope(r.Scope)
}

// EpochResponse acknowledges a BON submission with the node's current epoch.
type EpochResponse struct {
	Status Status `json:"status"`
	Epoch  int    `json:"epoch"`
}

// GetWeightsRequest waits for the BON rendezvous of an epoch.
type GetWeightsRequest struct {
	Scope
	WaitFor int `json:"wait_for"`
	Epoch   int `json:"epoch"`
}

func (r *GetWeightsRequest) Validate() error {
	if r.WaitFor < 1 {
		return fmt.Errorf("%w: wait_for is required", ErrMalformedRequest)
	}
	return validateScope(r.Scope)
}

// GetWeightsResponse carries the unmasked BON sum, or the failed set to reveal for.
type GetWeightsResponse struct {
	Status           Status    `json:"status"`
	Weights          []float64 `json:"weights,omitempty"`
	PostRevealSecret bool      `json:"post_reveal_secret"`
	FailedNodes      []int     `json:"failed_nodes,omitempty"`
	Contributors     int       `json:"contributors,omitempty"`
}

// UpdateModelRequest submits an INSEC coefficient vector.
type UpdateModelRequest struct {
	Scope
	Node    int       `json:"node"`
	Coef    []float64 `json:"coef"`
	WaitFor int       `json:"wait_for"`
}

func (r *UpdateModelRequest) Validate() error {
	if r.Node < 1 || len(r.Coef) == 0 || r.WaitFor < 1 {
		return fmt.Errorf("%w: node, coef and wait_for are required", ErrMalformedRequest)
	}
	return validateScope(r.Scope)
}

// UpdateModelResponse carries the INSEC mean.
type UpdateModelResponse struct {
	Status Status    `json:"status"`
	Coef   []float64 `json:"coef"`
}

// ClearDataRequest resets every protocol instance of a namespace.
type ClearDataRequest struct {
	Scope
}

func (r *ClearDataRequest) Validate() error {
	return validateScope(r.Scope)
}

// Ack acknowledges a request that returns no data.
type Ack struct {
	Status Status `json:"status"`
}

// ProgressEntry is one pending mailbox entry.
type ProgressEntry struct {
	Group   int     `json:"group"`
	Node    int     `json:"node"`
	Elapsed float64 `json:"elapsed"`
}

// GroupStats counts relay posts and skipped relays of a group's current round.
type GroupStats struct {
	Posted  int `json:"posted"`
	Skipped int `json:"skipped"`
}

// ProgressResponse is a snapshot taken by the progress monitor.
type ProgressResponse struct {
	Progress []ProgressEntry    `json:"progress"`
	Stats    map[int]GroupStats `json:"stats"`
}

func validateScope(s Scope) error {
	if s.Group < 0 {
		return fmt.Errorf("%w: group must be positive", ErrMalformedRequest)
	}
	return nil
}

// DecodeMessage decodes a JSON message of type T.
func DecodeMessage[T any](r io.Reader) (*T, error) {
	var msg T
	if err := json.NewDecoder(r).Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return &msg, nil
}

// SerializeMessage encodes a message as JSON.
func SerializeMessage[T any](msg *T) ([]byte, error) {
	return json.Marshal(msg)
}

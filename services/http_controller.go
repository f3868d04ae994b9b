package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cablelabs/safe/protocol"
)

var _ protocol.Controller = (*HTTPController)(nil)

// HTTPController is a participant's view of a remote coordinator.
type HTTPController struct {
	baseURL    string
	httpClient *http.Client

	basicAuth bool
	user      string
	password  string
}

// HTTPControllerConfig configures an HTTPController.
type HTTPControllerConfig struct {
	// BaseURL is the coordinator base URL, e.g. http://localhost:8088.
	BaseURL string

	// Timeout bounds a single request. It must exceed the coordinator's
	// poll time, since polling requests are held that long.
	Timeout time.Duration

	// BasicAuth sends Namespace and Password as credentials.
	BasicAuth bool
	Namespace string
	Password  string
}

// NewHTTPController creates a coordinator client.
func NewHTTPController(cfg *HTTPControllerConfig) *HTTPController {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = protocol.DefaultNamespace
	}
	return &HTTPController{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		basicAuth:  cfg.BasicAuth,
		user:       namespace,
		password:   cfg.Password,
	}
}

// NewHTTPControllerFromConfig creates a coordinator client for a participant configuration.
func NewHTTPControllerFromConfig(cfg *protocol.Config) *HTTPController {
	return NewHTTPController(&HTTPControllerConfig{
		BaseURL:   cfg.Controller,
		BasicAuth: cfg.BasicAuth,
		Namespace: cfg.Namespace,
		Password:  cfg.NamespacePassword,
	})
}

// call posts req to /path and decodes the response into resp.
func (c *HTTPController) call(ctx context.Context, path string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.basicAuth {
		httpReq.SetBasicAuth(c.user, c.password)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return statusError(path, httpResp.StatusCode, respBody)
	}

	if resp == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", protocol.ErrProtocolViolation, path, err)
	}
	return nil
}

// statusError maps a failed response back onto the protocol's error kinds.
func statusError(path string, code int, body []byte) error {
	var e errorResponse
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}

	switch code {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s: %s", protocol.ErrMalformedRequest, path, msg)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s: %s", ErrUnauthorized, path, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s: %s", protocol.ErrProtocolViolation, path, msg)
	}
	return fmt.Errorf("%s failed (%d): %s", path, code, msg)
}

func (c *HTTPController) Register(ctx context.Context, req *protocol.RegisterRequest) (*protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	if err := c.call(ctx, "/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPController) Registrations(ctx context.Context, req *protocol.RegistrationsRequest) (protocol.Registrations, error) {
	var resp protocol.Registrations
	if err := c.call(ctx, "/registrations", req, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *HTTPController) PostAggregate(ctx context.Context, req *protocol.PostAggregateRequest) error {
	return c.call(ctx, "/post_aggregate", req, nil)
}

func (c *HTTPController) CheckAggregate(ctx context.Context, req *protocol.NodeRequest) (*protocol.CheckAggregateResponse, error) {
	var resp protocol.CheckAggregateResponse
	if err := c.call(ctx, "/check_aggregate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPController) GetAggregate(ctx context.Context, req *protocol.NodeRequest) (*protocol.GetAggregateResponse, error) {
	var resp protocol.GetAggregateResponse
	if err := c.call(ctx, "/get_aggregate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPController) PostAverage(ctx context.Context, req *protocol.PostAverageRequest) error {
	return c.call(ctx, "/post_average", req, nil)
}

func (c *HTTPController) GetAverage(ctx context.Context, req *protocol.GetAverageRequest) (*protocol.GetAverageResponse, error) {
	var resp protocol.GetAverageResponse
	if err := c.call(ctx, "/get_average", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPController) ShouldInitiate(ctx context.Context, req *protocol.NodeRequest) (*protocol.ShouldInitiateResponse, error) {
	var resp protocol.ShouldInitiateResponse
	if err := c.call(ctx, "/should_initiate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPController) InitWeights(ctx context.Context, req *protocol.NodeRequest) error {
	return c.call(ctx, "/init_weights", req, nil)
}

func (c *HTTPController) PostWeights(ctx context.Context, req *protocol.PostWeightsRequest) (*protocol.PostWeightsResponse, error) {
	var resp protocol.PostWeightsResponse
	if err := c.call(ctx, "/post_weights", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPController) PostSecret(ctx context.Context, req *protocol.PostSecretRequest) (*protocol.EpochResponse, error) {
	var resp protocol.EpochResponse
	if err := c.call(ctx, "/post_secret", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPController) PostRevealSecret(ctx context.Context, req *protocol.PostRevealSecretRequest) (*protocol.EpochResponse, error) {
	var resp protocol.EpochResponse
	if err := c.call(ctx, "/post_reveal_secret", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPController) GetWeights(ctx context.Context, req *protocol.GetWeightsRequest) (*protocol.GetWeightsResponse, error) {
	var resp protocol.GetWeightsResponse
	if err := c.call(ctx, "/get_weights", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPController) UpdateModel(ctx context.Context, req *protocol.UpdateModelRequest) (*protocol.UpdateModelResponse, error) {
	var resp protocol.UpdateModelResponse
	if err := c.call(ctx, "/update_model", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPController) ClearData(ctx context.Context, req *protocol.ClearDataRequest) error {
	return c.call(ctx, "/clear_data", req, nil)
}

// CheckProgress fetches the progress snapshot of a namespace.
func (c *HTTPController) CheckProgress(ctx context.Context, namespace string) (*protocol.ProgressResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/check_progress", nil)
	if err != nil {
		return nil, err
	}
	q := httpReq.URL.Query()
	q.Set("namespace", namespace)
	httpReq.URL.RawQuery = q.Encode()
	if c.basicAuth {
		httpReq.SetBasicAuth(c.user, c.password)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, statusError("/check_progress", httpResp.StatusCode, respBody)
	}

	var resp protocol.ProgressResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decoding /check_progress response: %v", protocol.ErrProtocolViolation, err)
	}
	return &resp, nil
}

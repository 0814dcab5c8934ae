package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/modelsmith/cad-orchestrator/internal/model"
)

// RuntimeClient handles communication with the agent runtime service. Every
// role invocation goes through the same endpoint shape with a circuit breaker
// in front, so a flapping runtime degrades fast instead of piling up calls.
type RuntimeClient struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
	breaker    *gobreaker.CircuitBreaker
	log        *zap.Logger
}

// invokeRequest is the wire shape of one role invocation.
type invokeRequest struct {
	TraceID string          `json:"trace_id"`
	Role    string          `json:"role"`
	Payload json.RawMessage `json:"payload"`
}

// invokeResponse is the wire shape of a role's reply. Exactly one of Output
// and Error is populated.
type invokeResponse struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewRuntimeClient creates a client for the agent runtime at baseURL.
func NewRuntimeClient(baseURL string, log *zap.Logger) *RuntimeClient {
	settings := gobreaker.Settings{
		Name:        "agent-runtime",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &RuntimeClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		tracer:  otel.Tracer("agent-runtime-client"),
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
}

// SetBaseURL sets the base URL for testing purposes.
func (c *RuntimeClient) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// Invoke calls one agent role with the given payload and returns the raw
// output for the caller to decode against its expected shape. The timeout
// bounds this single invocation; an expired timeout surfaces the same way a
// returned error does.
func (c *RuntimeClient) Invoke(ctx context.Context, role string, timeout time.Duration, payload any) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "agent_runtime.invoke")
	defer span.End()

	span.SetAttributes(attribute.String("agent.role", role))

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.invokeInternal(ctx, role, payload)
	})
	if err != nil {
		span.RecordError(err)
		return nil, &model.AgentError{Role: role, Err: err}
	}

	return result.(json.RawMessage), nil
}

// invokeInternal performs the actual HTTP request.
func (c *RuntimeClient) invokeInternal(ctx context.Context, role string, payload any) (json.RawMessage, error) {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	body, err := json.Marshal(invokeRequest{
		TraceID: uuid.New().String(),
		Role:    role,
		Payload: rawPayload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/agents/%s/invoke", c.baseURL, role)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("agent runtime returned status %d (failed to read body: %w)", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("agent runtime returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var invokeResp invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&invokeResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if invokeResp.Error != "" {
		return nil, fmt.Errorf("agent reported failure: %s", invokeResp.Error)
	}
	if len(invokeResp.Output) == 0 {
		return nil, fmt.Errorf("agent returned empty output")
	}

	return invokeResp.Output, nil
}

// IsHealthy checks if the agent runtime service is healthy.
func (c *RuntimeClient) IsHealthy(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "agent_runtime.health_check")
	defer span.End()

	if c.breaker.State() == gobreaker.StateOpen {
		span.SetAttributes(attribute.Bool("healthy", false), attribute.String("reason", "circuit_breaker_open"))
		return false
	}

	url := fmt.Sprintf("%s/health", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		span.RecordError(err)
		return false
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	span.SetAttributes(attribute.Bool("healthy", healthy))

	return healthy
}

package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/modelsmith/cad-orchestrator/internal/model"
)

// RoleComparator is the runtime role name for the visual comparison agent.
const RoleComparator = "inspector"

// reviewPayload is the wire shape of the comparator's reply.
type reviewPayload struct {
	Accepted bool `json:"accepted"`
	Findings []struct {
		Severity    string `json:"severity"`
		Description string `json:"description"`
		PartID      string `json:"part_id,omitempty"`
	} `json:"findings,omitempty"`
}

// RuntimeComparator calls the visual comparison agent with the rendered image
// and the artifact source, and validates the reply into a Review.
type RuntimeComparator struct {
	client  *RuntimeClient
	timeout time.Duration
	log     *zap.Logger
}

// NewRuntimeComparator creates the production comparator.
func NewRuntimeComparator(client *RuntimeClient, timeout time.Duration, log *zap.Logger) *RuntimeComparator {
	return &RuntimeComparator{client: client, timeout: timeout, log: log}
}

// Compare implements Comparator.
func (c *RuntimeComparator) Compare(ctx context.Context, in ReviewInput) (*Review, error) {
	raw, err := c.client.Invoke(ctx, RoleComparator, c.timeout, in)
	if err != nil {
		return nil, err
	}

	var payload reviewPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &model.AgentError{Role: RoleComparator, Err: fmt.Errorf("undecodable output: %w", err)}
	}

	review := &Review{Accepted: payload.Accepted}
	for _, f := range payload.Findings {
		if f.Description == "" {
			return nil, &model.AgentError{Role: RoleComparator, Err: fmt.Errorf("finding without description")}
		}
		review.Findings = append(review.Findings, model.Finding{
			Severity:    normalizeSeverity(f.Severity),
			Description: f.Description,
			PartID:      f.PartID,
		})
	}

	if payload.Accepted {
		for _, f := range review.Findings {
			if f.Severity.Blocks() {
				// An accepting reply with blocking findings contradicts
				// itself; trust the findings.
				review.Accepted = false
				c.log.Warn("comparator accepted despite blocking findings, overriding")
				break
			}
		}
	}
	return review, nil
}

// normalizeSeverity maps the comparator's free-text severity onto the known
// scale; anything unrecognized counts as blocking rather than being dropped.
func normalizeSeverity(s string) model.Severity {
	switch model.Severity(s) {
	case model.SeverityInfo, model.SeverityWarning, model.SeverityError, model.SeveritySyntax:
		return model.Severity(s)
	}
	return model.SeverityError
}

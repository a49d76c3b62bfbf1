// Package annotate exposes the entity-extraction capability of the analysis
// worker as a typed client over the worker manager's request protocol.
package annotate

import (
	"context"
	"fmt"
	"strings"

	"github.com/annotext/annotext/worker"
)

// Wire discriminators for the entity-extraction exchange.
const (
	RequestKind = "analyze_text"
	ResultKind  = "analyze_result"
)

// Entity is a single extracted entity with its character span in the input.
type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

type analyzeRequest struct {
	Text string `json:"text"`
}

type analyzeResult struct {
	Entities []Entity `json:"entities"`
}

// Client runs analysis requests against a worker manager.
type Client struct {
	manager *worker.Manager
}

func NewClient(m *worker.Manager) *Client {
	return &Client{manager: m}
}

// Analyze extracts entities from text. Text with nothing to analyze
// short-circuits to an empty result without a round trip to the worker.
func (c *Client) Analyze(ctx context.Context, text string) ([]Entity, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var res analyzeResult
	if err := c.manager.Submit(ctx, RequestKind, analyzeRequest{Text: text}, &res); err != nil {
		return nil, fmt.Errorf("analyzing text: %w", err)
	}
	return res.Entities, nil
}

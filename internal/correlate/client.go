// Package correlate asks an LLM to match recent ATC transmissions against
// live ADS-B contacts and raise alerts for traffic that should not be there.
package correlate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/airbandlabs/airband-core/internal/config"
	"github.com/airbandlabs/airband-core/internal/protocol"
)

// report is the JSON contract the prompt demands from the model.
type report struct {
	Correlations []protocol.Correlation `json:"correlations"`
	Alerts       []protocol.Alert       `json:"alerts"`
	Summary      string                 `json:"summary"`
}

// Correlator produces a correlation report for one transmission window.
type Correlator interface {
	Correlate(ctx context.Context, contacts []protocol.ADSBContact, transmissions []Transmission) (report, error)
}

type ollamaCorrelator struct {
	endpoint string
	model    string
	cfg      config.CorrelatorConfig
	client   *http.Client
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

func newOllamaCorrelator(cfg config.CorrelatorConfig) *ollamaCorrelator {
	return &ollamaCorrelator{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		cfg:      cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		},
	}
}

func (c *ollamaCorrelator) Correlate(ctx context.Context, contacts []protocol.ADSBContact, transmissions []Transmission) (report, error) {
	payload := ollamaRequest{
		Model:  c.model,
		Prompt: buildPrompt(contacts, transmissions),
		Stream: false,
		Options: ollamaOptions{
			Temperature: c.cfg.Temperature,
			NumPredict:  c.cfg.MaxTokens,
			TopP:        0.9,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return report{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return report{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return report{}, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return report{}, fmt.Errorf("ollama returned status %s", resp.Status)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return report{}, fmt.Errorf("read ollama response: %w", err)
	}
	var envelope ollamaResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return report{}, fmt.Errorf("decode ollama envelope: %w", err)
	}
	return parseReport(envelope.Response)
}

// parseReport extracts the JSON object from the model output. Models pad
// their answers with prose, so take the outermost braces and parse that.
func parseReport(text string) (report, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return report{}, fmt.Errorf("no JSON object in model response")
	}
	var r report
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return report{}, fmt.Errorf("parse model response: %w", err)
	}
	return r, nil
}

// mockCorrelator fabricates a no-match report per transmission; it keeps the
// analysis pipeline exercised without a model server.
type mockCorrelator struct{}

func (mockCorrelator) Correlate(_ context.Context, _ []protocol.ADSBContact, transmissions []Transmission) (report, error) {
	r := report{Summary: "mock correlation, no model consulted"}
	for i := range transmissions {
		r.Correlations = append(r.Correlations, protocol.Correlation{
			TransmissionID: i,
			MatchedICAO:    "NO_MATCH",
			Confidence:     0,
			Reasoning:      "mock correlator",
		})
	}
	return r, nil
}

package analytics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/globaltaxcalc/edge-gateway/internal/actor"
)

// Client runs read queries against the aggregator.
type Client struct {
	runtime actor.Runtime
}

func NewClient(runtime actor.Runtime) *Client {
	return &Client{runtime: runtime}
}

func (c *Client) Summary(ctx context.Context) (*Summary, error) {
	var out Summary
	if err := c.query(ctx, OpSummary, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Endpoints(ctx context.Context) ([]EndpointReport, error) {
	var out []EndpointReport
	if err := c.query(ctx, OpEndpoints, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) TimeSeries(ctx context.Context, q TimeSeriesQuery) ([]Bucket, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	var out []Bucket
	if err := c.query(ctx, OpTimeSeries, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) query(ctx context.Context, op string, payload []byte, v interface{}) error {
	data, err := c.runtime.Address(Namespace, Key).Invoke(ctx, op, payload)
	if err != nil {
		return fmt.Errorf("analytics %s: %w", op, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode analytics %s: %w", op, err)
	}
	return nil
}

package interbank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mvlaskovic/interclear/internal/wire"
)

// TradingClient forwards proposals carrying non-monetary assets to the
// external securities service and relays its vote. The securities logic
// itself lives entirely on the other side of this call.
type TradingClient struct {
	url    string
	client *http.Client
}

func NewTradingClient(url string, timeout time.Duration) *TradingClient {
	return &TradingClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// ForwardNewTX relays a NEW_TX envelope verbatim and returns the
// trading service's vote unchanged.
func (c *TradingClient) ForwardNewTX(ctx context.Context, msg *wire.Message) (wire.Vote, error) {
	return c.forward(ctx, msg)
}

// ForwardCommit relays a stored NEW_TX envelope as a COMMIT_TX.
func (c *TradingClient) ForwardCommit(ctx context.Context, msg *wire.Message) (wire.Vote, error) {
	commit := *msg
	commit.MessageType = wire.MessageCommitTX
	return c.forward(ctx, &commit)
}

func (c *TradingClient) forward(ctx context.Context, msg *wire.Message) (wire.Vote, error) {
	if c == nil || c.url == "" {
		return wire.Vote{}, fmt.Errorf("trading service not configured")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return wire.Vote{}, fmt.Errorf("marshal message for trading service: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(payload))
	if err != nil {
		return wire.Vote{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return wire.Vote{}, fmt.Errorf("forward to trading service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return wire.Vote{}, fmt.Errorf("read trading service response: %w", err)
	}

	var vote wire.Vote
	if err := json.Unmarshal(body, &vote); err != nil {
		return wire.Vote{}, fmt.Errorf("parse trading service vote: %w", err)
	}
	if vote.Vote == "" {
		return wire.Vote{}, fmt.Errorf("invalid response from trading service")
	}
	return vote, nil
}

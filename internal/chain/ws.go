package chain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

// SubscribeLogs asks for log notifications of every transaction mentioning address.
func (c *WSClient) SubscribeLogs(ctx context.Context, address, commitment string) error {
	if commitment == "" {
		commitment = DefaultCommitment
	}
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "logsSubscribe",
		"params": []any{
			map[string]any{"mentions": []string{address}},
			map[string]any{"commitment": commitment},
		},
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.Conn.SetWriteDeadline(deadline)
	}
	return c.Conn.WriteJSON(payload)
}

func (c *WSClient) Read(ctx context.Context) ([]byte, error) {
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

// ParseLogsNotification extracts the signature from a logsNotification.
// Subscription acks and failed transactions report ok=false.
func ParseLogsNotification(msg []byte) (string, bool, error) {
	var env struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Value struct {
					Signature string          `json:"signature"`
					Err       json.RawMessage `json:"err"`
				} `json:"value"`
			} `json:"result"`
		} `json:"params"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return "", false, err
	}
	if env.Error != nil {
		return "", false, errors.New(env.Error.Message)
	}
	if env.Method != "logsNotification" {
		return "", false, nil
	}
	v := env.Params.Result.Value
	if v.Signature == "" {
		return "", false, nil
	}
	if len(v.Err) > 0 && string(v.Err) != "null" {
		return "", false, nil
	}
	return v.Signature, true, nil
}

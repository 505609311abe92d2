package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/harun/lunar/internal/config"
	"github.com/harun/lunar/pkg/gateway"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// rpcClient calls the running daemon's gateway over HTTP.
type rpcClient struct {
	url    string
	secret string
	http   *http.Client
}

func newRPCClient(cfg *config.Config) *rpcClient {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return &rpcClient{
		url:    "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port)) + "/rpc",
		secret: cfg.Gateway.SharedSecret,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Call invokes method and decodes the result into out when out is not nil.
func (c *rpcClient) Call(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	id, err := gonanoid.New()
	if err != nil {
		return err
	}
	body, err := json.Marshal(gateway.RPCRequest{ID: id, Method: method, Params: params, JSONRPC: "2.0"})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(gateway.SecretHeader, c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("gateway rejected the shared secret")
	}

	var envelope struct {
		Result json.RawMessage   `json:"result"`
		Error  *gateway.RPCError `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("unexpected gateway response (HTTP %d): %w", resp.StatusCode, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

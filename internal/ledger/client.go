package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/edwardtay/deadman-switch/pkg/logger"
)

// Config holds HTTP client configuration.
type Config struct {
	// URL of the ledger's JSON-RPC endpoint.
	URL string
	// Timeout per request. Defaults to 30s.
	Timeout time.Duration
	// TransfersPerSecond caps outgoing transfer calls. Zero disables the
	// limiter.
	TransfersPerSecond int
}

// HTTPClient talks JSON-RPC to the ledger endpoint.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a ledger client.
func NewHTTPClient(cfg Config, log *logger.Logger) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ledger URL required")
	}
	if log == nil {
		log = logger.NewDefault("ledger")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.TransfersPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.TransfersPerSecond), cfg.TransfersPerSecond)
	}

	return &HTTPClient{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		log:        log,
	}, nil
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int         `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type transferParams struct {
	FromSubaccount []byte     `json:"from_subaccount,omitempty"`
	To             AccountRef `json:"to"`
	Amount         uint64     `json:"amount"`
	Memo           []byte     `json:"memo"`
}

type transferResult struct {
	BlockIndex *uint64 `json:"block_index"`
	Reject     *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"reject"`
}

// Transfer moves value to the destination account. Transport failures map to
// the temporarily-unavailable kind; ledger rejections keep their kind.
func (c *HTTPClient) Transfer(ctx context.Context, req TransferRequest) (uint64, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, &TransferError{Kind: KindTemporarilyUnavailable, Message: err.Error()}
		}
	}

	params := transferParams{
		FromSubaccount: req.FromSubaccount,
		To:             req.To,
		Amount:         req.Amount,
		Memo:           TransferMemo,
	}

	raw, err := c.call(ctx, "icrc1_transfer", params)
	if err != nil {
		c.log.WithError(err).Warn("transfer call failed")
		return 0, &TransferError{Kind: KindTemporarilyUnavailable, Message: err.Error()}
	}

	var result transferResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, &TransferError{Kind: KindTemporarilyUnavailable, Message: fmt.Sprintf("decode transfer response: %v", err)}
	}
	if result.Reject != nil {
		kind := result.Reject.Kind
		switch kind {
		case KindInsufficientFunds, KindBadFee, KindDuplicate, KindTemporarilyUnavailable:
		default:
			kind = KindOther
		}
		return 0, &TransferError{Kind: kind, Message: result.Reject.Message}
	}
	if result.BlockIndex == nil {
		return 0, &TransferError{Kind: KindOther, Message: "transfer response missing block index"}
	}
	return *result.BlockIndex, nil
}

// BalanceOf reads an account balance from the ledger.
func (c *HTTPClient) BalanceOf(ctx context.Context, account AccountRef) (uint64, error) {
	raw, err := c.call(ctx, "icrc1_balance_of", account)
	if err != nil {
		return 0, &TransferError{Kind: KindTemporarilyUnavailable, Message: err.Error()}
	}

	var balance uint64
	if err := json.Unmarshal(raw, &balance); err != nil {
		return 0, &TransferError{Kind: KindTemporarilyUnavailable, Message: fmt.Sprintf("decode balance response: %v", err)}
	}
	return balance, nil
}

func (c *HTTPClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger returned status %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("ledger error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

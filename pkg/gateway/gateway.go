// Package gateway is a typed, read-only accessor over the upstream
// ordinals HTTP service: block contents, inscription content and MIME
// type, transaction outputs, chain tip height, and address
// transaction history. Every call is wrapped with bounded
// exponential-backoff-with-jitter retry, and transient-upstream
// failures are surfaced distinctly from permanent (absent-resource)
// ones.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brc420/ordindexer/pkg/config"
	"github.com/brc420/ordindexer/pkg/gwerr"
	"github.com/brc420/ordindexer/pkg/log"
	"github.com/brc420/ordindexer/pkg/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Output is the result of a GET /output/{txid}:{vout} lookup.
type Output struct {
	Address string `json:"address"`
	Value   int64  `json:"value"`
}

// AddressTxVout is one output entry of a transaction returned by
// GET /address/{addr}/txs.
type AddressTxVout struct {
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

// AddressTx is one transaction entry returned by GET /address/{addr}/txs.
type AddressTx struct {
	Vout []AddressTxVout `json:"vout"`
}

type blockResponse struct {
	Inscriptions []string `json:"inscriptions"`
}

// Client is the Ordinals Gateway Client.
type Client struct {
	baseURL       string
	walletBaseURL string
	httpClient    *http.Client
	maxRetries    int
	retryDelay    time.Duration
	royaltyBudget int
	recoveryPause time.Duration
	logger        zerolog.Logger
}

// NewClient builds a gateway Client from the process configuration.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL:       strings.TrimRight(cfg.APIURL, "/"),
		walletBaseURL: strings.TrimRight(cfg.APIWalletURL, "/"),
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		royaltyBudget: cfg.RoyaltyRetryBudget,
		recoveryPause: cfg.RecoveryPause,
		logger:        log.WithComponent("gateway"),
	}
}

func (c *Client) newBackOff(maxRetries int) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryDelay
	eb.RandomizationFactor = 0.5 // jitter
	eb.Multiplier = 2.0
	eb.MaxElapsedTime = 0 // bounded by WithMaxRetries instead
	return backoff.WithMaxRetries(eb, uint64(maxRetries))
}

// do executes req, retrying transient-upstream failures (network
// errors, 5xx, and 429) with bounded exponential backoff + jitter.
// Any other 4xx is treated as permanent and returned immediately.
func (c *Client) do(ctx context.Context, operation string, req *http.Request) (*http.Response, error) {
	return c.doWithBudget(ctx, operation, req, c.maxRetries)
}

func (c *Client) doWithBudget(ctx context.Context, operation string, req *http.Request, maxRetries int) (*http.Response, error) {
	traceID := uuid.NewString()
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.GatewayRequestDuration, operation)

	var resp *http.Response
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			metrics.GatewayRetriesTotal.WithLabelValues(operation).Inc()
		}

		r, err := c.httpClient.Do(req.Clone(ctx))
		if err != nil {
			c.logger.Warn().Str("trace_id", traceID).Str("operation", operation).Int("attempt", attempt).Err(err).Msg("gateway request failed")
			return err // network error: transient, retry
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			r.Body.Close()
			return fmt.Errorf("gateway returned %d", r.StatusCode)
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(op, c.newBackOff(maxRetries)); err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(operation, "unavailable").Inc()
		return nil, fmt.Errorf("%s: %w: %v", operation, gwerr.ErrGatewayUnavailable, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		metrics.GatewayRequestsTotal.WithLabelValues(operation, "not_found").Inc()
		return nil, fmt.Errorf("%s: %w", operation, gwerr.ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		metrics.GatewayRequestsTotal.WithLabelValues(operation, "client_error").Inc()
		return nil, fmt.Errorf("%s: unexpected status %d", operation, resp.StatusCode)
	}

	metrics.GatewayRequestsTotal.WithLabelValues(operation, "ok").Inc()
	return resp, nil
}

// GetTipHeight returns the current chain tip height.
func (c *Client) GetTipHeight(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/r/blockheight", nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.do(ctx, "get_tip_height", req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read tip height response: %w", err)
	}

	trimmed := strings.TrimSpace(strings.Trim(string(body), `"`))
	height, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tip height %q: %w", trimmed, err)
	}
	return height, nil
}

// GetBlock returns the ordered list of inscription ids anchored in
// the given block.
func (c *Client) GetBlock(ctx context.Context, height uint64) ([]string, error) {
	url := fmt.Sprintf("%s/block/%d", c.baseURL, height)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.do(ctx, "get_block", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var block blockResponse
	if err := json.NewDecoder(resp.Body).Decode(&block); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", height, err)
	}
	return block.Inscriptions, nil
}

// GetContent returns the raw content bytes and MIME type of an inscription.
func (c *Client) GetContent(ctx context.Context, id string) ([]byte, string, error) {
	url := fmt.Sprintf("%s/content/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.do(ctx, "get_content", req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read content %s: %w", id, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// GetContentType returns only the MIME type of an inscription, via HEAD.
func (c *Client) GetContentType(ctx context.Context, id string) (string, error) {
	url := fmt.Sprintf("%s/content/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.do(ctx, "get_content_type", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return resp.Header.Get("Content-Type"), nil
}

// GetOutput resolves the address and value of a transaction output.
// On repeated HTTP 504, retries are capped by the configured royalty
// retry budget (stricter than the default gateway retry budget) and a
// recovery pause is observed before returning failure.
func (c *Client) GetOutput(ctx context.Context, txidVout string) (*Output, error) {
	url := fmt.Sprintf("%s/output/%s", c.baseURL, txidVout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.doRoyaltySensitive(ctx, "get_output", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out Output
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode output %s: %w", txidVout, err)
	}
	return &out, nil
}

// GetAddressTxs returns the transaction list for an address, used by
// the royalty-payment check.
func (c *Client) GetAddressTxs(ctx context.Context, address string) ([]AddressTx, error) {
	url := fmt.Sprintf("%s/address/%s/txs", c.walletBaseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.doRoyaltySensitive(ctx, "get_address_txs", req)
	if err != nil {
		if gwerr.IsNotFound(err) {
			return nil, nil // empty address history, never retried
		}
		return nil, err
	}
	defer resp.Body.Close()

	var txs []AddressTx
	if err := json.NewDecoder(resp.Body).Decode(&txs); err != nil {
		return nil, fmt.Errorf("decode address txs for %s: %w", address, err)
	}
	return txs, nil
}

// doRoyaltySensitive is like do, but bounds retries by the dedicated
// royalty retry budget and observes a recovery pause on exhaustion,
// per the mint validator's royalty-payment check.
func (c *Client) doRoyaltySensitive(ctx context.Context, operation string, req *http.Request) (*http.Response, error) {
	resp, err := c.doWithBudget(ctx, operation, req, c.royaltyBudget)
	if err != nil && gwerr.IsGatewayUnavailable(err) {
		c.logger.Warn().Str("operation", operation).Dur("pause", c.recoveryPause).Msg("gateway unavailable, observing recovery pause")
		select {
		case <-time.After(c.recoveryPause):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp, err
}

// GetBlockTxValues returns the total output value, in satoshis, of
// every transaction in a block, for bitmap pattern derivation.
func (c *Client) GetBlockTxValues(ctx context.Context, height uint64) ([]int64, error) {
	url := fmt.Sprintf("%s/block/%d/txvalues", c.baseURL, height)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.do(ctx, "get_block_tx_values", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var values []int64
	if err := json.NewDecoder(resp.Body).Decode(&values); err != nil {
		return nil, fmt.Errorf("decode tx values for block %d: %w", height, err)
	}
	return values, nil
}

// InscriptionIDToTxIDVout converts an inscription id of the form
// "<txid>i<vout>" into "<txid>:<vout>" form, per the reversible
// construction rule: drop the trailing 2 characters
// (the "i" separator and the single-digit vout), then rejoin with a
// ':' in place of the "i" and the dropped final character appended.
func InscriptionIDToTxIDVout(inscriptionID string) (string, error) {
	if len(inscriptionID) < 3 {
		return "", fmt.Errorf("inscription id %q too short", inscriptionID)
	}
	head := inscriptionID[:len(inscriptionID)-2]
	last := inscriptionID[len(inscriptionID)-1:]
	return head + ":" + last, nil
}

// TxIDVoutToInscriptionID reverses InscriptionIDToTxIDVout.
func TxIDVoutToInscriptionID(txidVout string) (string, error) {
	parts := strings.SplitN(txidVout, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("txid:vout %q malformed", txidVout)
	}
	return parts[0] + "i" + parts[1], nil
}

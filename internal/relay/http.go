package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/omnivault-network/coordinator/internal/codec"
)

// HTTPRelayer delivers envelopes and proofs to peer coordinators over their
// REST ingestion endpoints. Deployments that run one coordinator per chain
// use it as the relay channel between them; gas limits do not apply on this
// transport and are ignored.
type HTTPRelayer struct {
	id         uint8
	endpoints  map[uint64]string
	client     *http.Client
	maxRetries int
	token      string
}

// HTTPRelayerConfig configures an HTTP relay channel.
type HTTPRelayerConfig struct {
	// ID is the relay id this channel attests under on the peer.
	ID uint8

	// Endpoints maps destination chain ids to peer coordinator base URLs.
	Endpoints map[uint64]string

	// Token, when set, is sent as a bearer token on every delivery.
	Token string

	Timeout    time.Duration
	MaxRetries int
}

// NewHTTPRelayer creates an HTTP relay channel.
func NewHTTPRelayer(cfg HTTPRelayerConfig) *HTTPRelayer {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	return &HTTPRelayer{
		id:         cfg.ID,
		endpoints:  cfg.Endpoints,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		token:      cfg.Token,
	}
}

// ID implements Relayer.
func (r *HTTPRelayer) ID() uint8 { return r.id }

type messageDelivery struct {
	Header  *uint256.Int  `json:"header"`
	Body    hexutil.Bytes `json:"body"`
	RelayID uint8         `json:"relay_id"`
}

type proofDelivery struct {
	Hash    common.Hash `json:"hash"`
	RelayID uint8       `json:"relay_id"`
}

// Dispatch implements Relayer. The serialized payload is either a full
// envelope or a hash-only proof; each goes to the matching peer endpoint.
func (r *HTTPRelayer) Dispatch(ctx context.Context, dstChainID uint64, payload []byte, _ uint64, _ []byte) error {
	base, ok := r.endpoints[dstChainID]
	if !ok {
		return fmt.Errorf("relay %d: no endpoint for chain %d", r.id, dstChainID)
	}

	if env, err := codec.DecodeEnvelope(payload); err == nil {
		return r.post(ctx, base+"/v1/messages", messageDelivery{
			Header:  env.TxInfo,
			Body:    env.Params,
			RelayID: r.id,
		})
	}
	proof, err := codec.DecodeProof(payload)
	if err != nil {
		return fmt.Errorf("relay %d: payload is neither envelope nor proof: %w", r.id, err)
	}
	return r.post(ctx, base+"/v1/proofs", proofDelivery{Hash: proof.Hash, RelayID: r.id})
}

func (r *HTTPRelayer) post(ctx context.Context, url string, body interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("relay %d: marshal delivery: %w", r.id, err)
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		retryable, err := r.postOnce(ctx, url, encoded)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// postOnce reports whether a failure is worth retrying: network errors and
// peer 5xx answers are, rejections are not.
func (r *HTTPRelayer) postOnce(ctx context.Context, url string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("relay %d: create request: %w", r.id, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("relay %d: deliver: %w", r.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		err := fmt.Errorf("relay %d: peer answered %d: %s", r.id, resp.StatusCode, strings.TrimSpace(string(msg)))
		return resp.StatusCode >= 500, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return false, nil
}

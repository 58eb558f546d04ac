package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrCaptureDeclined marks a capture the provider rejected on business
// grounds. Retrying without operator action will not succeed.
var ErrCaptureDeclined = errors.New("capture declined by payment provider")

// CaptureRequest is the unit of work handed to the payment collaborator.
type CaptureRequest struct {
	SettlementID uuid.UUID `json:"settlement_id"`
	AuctionID    uuid.UUID `json:"auction_id"`
	BidderID     uuid.UUID `json:"bidder_id"`
	Amount       uint64    `json:"amount"`
}

// Gateway is the external payment collaborator.
type Gateway interface {
	Capture(ctx context.Context, req CaptureRequest) error
}

// HTTPGateway talks to the payment provider's REST API.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type GatewayOption func(*HTTPGateway)

// WithGatewayHTTPClient overrides the HTTP client.
func WithGatewayHTTPClient(client *http.Client) GatewayOption {
	return func(g *HTTPGateway) { g.client = client }
}

func NewHTTPGateway(baseURL, apiKey string, opts ...GatewayOption) *HTTPGateway {
	g := &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *HTTPGateway) Capture(ctx context.Context, req CaptureRequest) error {
	const op = "HTTPGateway.Capture"

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("[%s] Fail to marshal capture request, err=%w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/captures", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("[%s] Fail to build request, err=%w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	// Settlement ID doubles as the idempotency key so redelivery of the same
	// capture never charges twice.
	httpReq.Header.Set("Idempotency-Key", req.SettlementID.String())

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("[%s] Fail to reach payment provider, err=%w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("[%s] status=%d, err=%w", op, resp.StatusCode, ErrCaptureDeclined)
	default:
		return fmt.Errorf("[%s] unexpected status=%d from payment provider", op, resp.StatusCode)
	}
}

package exchange

// trading.go: signed order submission and lifecycle over the CLOB.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/alejandrodnm/updown/internal/ports"
)

// clobOrderRequest is the JSON body sent to POST /order.
type clobOrderRequest struct {
	Order     clobOrderBody `json:"order"`
	Owner     string        `json:"owner"`
	OrderType string        `json:"orderType"`
}

type clobOrderBody struct {
	Salt          json.Number `json:"salt"`
	Maker         string      `json:"maker"`
	Signer        string      `json:"signer"`
	Taker         string      `json:"taker"`
	TokenID       string      `json:"tokenId"`
	MakerAmount   string      `json:"makerAmount"`
	TakerAmount   string      `json:"takerAmount"`
	Expiration    string      `json:"expiration"`
	Nonce         string      `json:"nonce"`
	FeeRateBps    string      `json:"feeRateBps"`
	Side          string      `json:"side"`
	SignatureType int         `json:"signatureType"`
	Signature     string      `json:"signature"`
}

type clobOrderResponse struct {
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
	Success  bool   `json:"success"`
}

type clobOrderDetail struct {
	ID          string `json:"id"`
	SizeMatched string `json:"size_matched"`
	Status      string `json:"status"`
}

type clobNegRiskResponse struct {
	NegRisk bool `json:"neg_risk"`
}

// TradingClient implements ports.ExchangeClient against the live CLOB.
type TradingClient struct {
	*AuthClient
	negRisk map[string]bool // tokenID → neg-risk flag, cached
}

// NewTradingClient wraps an authenticated client.
func NewTradingClient(auth *AuthClient) *TradingClient {
	return &TradingClient{
		AuthClient: auth,
		negRisk:    make(map[string]bool),
	}
}

// PlaceOrder signs and submits a GTC limit order.
func (tc *TradingClient) PlaceOrder(ctx context.Context, req ports.OrderRequest) (ports.PlacedOrder, error) {
	if err := tc.EnsureCreds(ctx); err != nil {
		return ports.PlacedOrder{}, fmt.Errorf("exchange.PlaceOrder: creds: %w", err)
	}

	negRisk, err := tc.isNegRisk(ctx, req.TokenID)
	if err != nil {
		return ports.PlacedOrder{}, fmt.Errorf("exchange.PlaceOrder: %w", err)
	}

	signed, err := tc.buildSignedOrder(req.TokenID, req.Side, req.Price, req.Size, negRisk)
	if err != nil {
		return ports.PlacedOrder{}, fmt.Errorf("exchange.PlaceOrder: sign: %w", err)
	}

	body := clobOrderRequest{
		Order: clobOrderBody{
			Salt:          json.Number(signed.Order.Salt.String()),
			Maker:         signed.Order.Maker.Hex(),
			Signer:        signed.Order.Signer.Hex(),
			Taker:         signed.Order.Taker.Hex(),
			TokenID:       req.TokenID,
			MakerAmount:   signed.Order.MakerAmount.String(),
			TakerAmount:   signed.Order.TakerAmount.String(),
			Expiration:    signed.Order.Expiration.String(),
			Nonce:         signed.Order.Nonce.String(),
			FeeRateBps:    signed.Order.FeeRateBps.String(),
			Side:          strings.ToUpper(req.Side),
			SignatureType: int(signed.Order.SignatureType.Int64()),
			Signature:     "0x" + hex.EncodeToString(signed.Signature),
		},
		Owner:     tc.creds.APIKey,
		OrderType: "GTC",
	}

	var resp clobOrderResponse
	if err := tc.doSigned(ctx, http.MethodPost, "/order", body, &resp); err != nil {
		return ports.PlacedOrder{}, fmt.Errorf("exchange.PlaceOrder: post: %w", err)
	}
	if !resp.Success || resp.ErrorMsg != "" {
		return ports.PlacedOrder{}, fmt.Errorf("exchange.PlaceOrder: clob error: %s", resp.ErrorMsg)
	}

	return ports.PlacedOrder{OrderID: resp.OrderID, Status: resp.Status}, nil
}

// CancelOrder cancels a resting order by its CLOB order id.
func (tc *TradingClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := tc.EnsureCreds(ctx); err != nil {
		return fmt.Errorf("exchange.CancelOrder: creds: %w", err)
	}
	if err := tc.doSigned(ctx, http.MethodDelete, "/order/"+orderID, nil, nil); err != nil {
		return fmt.Errorf("exchange.CancelOrder: %s: %w", orderID, err)
	}
	return nil
}

// GetOrder reports matched size and status for an order.
func (tc *TradingClient) GetOrder(ctx context.Context, orderID string) (ports.OrderState, error) {
	if err := tc.EnsureCreds(ctx); err != nil {
		return ports.OrderState{}, fmt.Errorf("exchange.GetOrder: creds: %w", err)
	}

	var detail clobOrderDetail
	if err := tc.doSigned(ctx, http.MethodGet, "/data/order/"+orderID, nil, &detail); err != nil {
		return ports.OrderState{}, fmt.Errorf("exchange.GetOrder: %s: %w", orderID, err)
	}

	var matched float64
	fmt.Sscanf(detail.SizeMatched, "%f", &matched)
	return ports.OrderState{SizeMatched: matched, Status: detail.Status}, nil
}

// isNegRisk queries (and caches) whether a token trades through the
// NegRisk adapter. El contrato de verificación depende de esto.
func (tc *TradingClient) isNegRisk(ctx context.Context, tokenID string) (bool, error) {
	if v, ok := tc.negRisk[tokenID]; ok {
		return v, nil
	}

	url := fmt.Sprintf("%s/neg-risk?token_id=%s", tc.clobBase, tokenID)
	var resp clobNegRiskResponse
	if err := tc.get(ctx, tc.clobLimiter, url, &resp); err != nil {
		return false, fmt.Errorf("neg-risk check: %w", err)
	}

	tc.negRisk[tokenID] = resp.NegRisk
	return resp.NegRisk, nil
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/digital-storefront/internal/port"
)

// VoucherClient redeems gift vouchers against the provider's campaign API
// on behalf of the configured recipient mobile number.
type VoucherClient struct {
	baseURL string
	mobile  string
	http    *http.Client
}

func NewVoucherClient(baseURL, mobile string, timeout time.Duration) *VoucherClient {
	return &VoucherClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		mobile:  mobile,
		http:    &http.Client{Timeout: timeout},
	}
}

type voucherRedeemRequest struct {
	Mobile      string `json:"mobile"`
	VoucherHash string `json:"voucher_hash"`
}

type voucherRedeemResponse struct {
	Status struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"status"`
	Data struct {
		MyTicket struct {
			AmountBaht string `json:"amount_baht"`
		} `json:"my_ticket"`
		Voucher struct {
			RedeemedAmountBaht string `json:"redeemed_amount_baht"`
		} `json:"voucher"`
	} `json:"data"`
}

func (c *VoucherClient) Redeem(ctx context.Context, token string) (port.VoucherRedemption, error) {
	body, err := json.Marshal(voucherRedeemRequest{Mobile: c.mobile, VoucherHash: token})
	if err != nil {
		return port.VoucherRedemption{}, fmt.Errorf("encode redeem request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/redeem", c.baseURL, url.PathEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return port.VoucherRedemption{}, fmt.Errorf("build redeem request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return port.VoucherRedemption{}, fmt.Errorf("redeem voucher: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return port.VoucherRedemption{}, fmt.Errorf("read redeem response: %w", err)
	}

	// Rejections come back with 4xx and a status code in the body.
	var decoded voucherRedeemResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return port.VoucherRedemption{}, fmt.Errorf("decode redeem response (http %d): %w", resp.StatusCode, err)
	}
	if decoded.Status.Code == "" {
		return port.VoucherRedemption{}, fmt.Errorf("redeem voucher: http %d without status code", resp.StatusCode)
	}

	out := port.VoucherRedemption{Code: decoded.Status.Code, Message: decoded.Status.Message}
	amount := decoded.Data.MyTicket.AmountBaht
	if amount == "" {
		amount = decoded.Data.Voucher.RedeemedAmountBaht
	}
	if amount != "" {
		parsed, err := decimal.NewFromString(strings.ReplaceAll(amount, ",", ""))
		if err != nil {
			return port.VoucherRedemption{}, fmt.Errorf("parse redeemed amount %q: %w", amount, err)
		}
		out.Amount = parsed
	}
	return out, nil
}

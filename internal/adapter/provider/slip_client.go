package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/digital-storefront/internal/port"
)

var ErrImageTooLarge = errors.New("slip image too large")

// SlipClient downloads a slip image and submits it to the slip-recognition API.
type SlipClient struct {
	verifyURL string
	apiKey    string
	maxBytes  int64
	http      *http.Client
}

func NewSlipClient(verifyURL, apiKey string, maxBytes int64, timeout time.Duration) *SlipClient {
	return &SlipClient{
		verifyURL: verifyURL,
		apiKey:    apiKey,
		maxBytes:  maxBytes,
		http:      &http.Client{Timeout: timeout},
	}
}

type slipResponse struct {
	Success bool            `json:"success"`
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Data    struct {
		TransRef string          `json:"transRef"`
		Amount   decimal.Decimal `json:"amount"`
	} `json:"data"`
}

func (c *SlipClient) Read(ctx context.Context, imageURL string) (port.SlipReading, error) {
	image, err := c.download(ctx, imageURL)
	if err != nil {
		return port.SlipReading{}, err
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("files", "slip.jpg")
	if err != nil {
		return port.SlipReading{}, fmt.Errorf("build slip form: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return port.SlipReading{}, fmt.Errorf("build slip form: %w", err)
	}
	if err := form.WriteField("log", "true"); err != nil {
		return port.SlipReading{}, fmt.Errorf("build slip form: %w", err)
	}
	if err := form.Close(); err != nil {
		return port.SlipReading{}, fmt.Errorf("build slip form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL, &body)
	if err != nil {
		return port.SlipReading{}, fmt.Errorf("build slip request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("x-authorization", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return port.SlipReading{}, fmt.Errorf("verify slip: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return port.SlipReading{}, fmt.Errorf("read slip response: %w", err)
	}
	var decoded slipResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return port.SlipReading{}, fmt.Errorf("decode slip response (http %d): %w", resp.StatusCode, err)
	}

	return port.SlipReading{
		Success:  decoded.Success,
		Code:     rawCode(decoded.Code),
		Message:  decoded.Message,
		TransRef: decoded.Data.TransRef,
		Amount:   decoded.Data.Amount,
	}, nil
}

func (c *SlipClient) download(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download slip: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download slip: http %d", resp.StatusCode)
	}

	image, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download slip: %w", err)
	}
	if int64(len(image)) > c.maxBytes {
		return nil, ErrImageTooLarge
	}
	return image, nil
}

// rawCode accepts both numeric and string error codes.
func rawCode(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return string(raw)
}

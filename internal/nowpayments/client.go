package nowpayments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/cryptoshop/internal/circuitbreaker"
	"github.com/jogardn/cryptoshop/internal/config"
)

// APIKeyHeader carries the shop's API key on every provider request.
const APIKeyHeader = "x-api-key"

// maxErrorBody bounds how much of a failed response ends up in errors and logs.
const maxErrorBody = 512

var (
	// ErrAPIKeyNotConfigured means the shop is misconfigured; the provider was never contacted.
	ErrAPIKeyNotConfigured = errors.New("nowpayments API key not configured")
	// ErrInvoiceCreation covers transport failures, non-2xx replies and malformed responses.
	ErrInvoiceCreation = errors.New("invoice creation failed")
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logrus.Logger
}

func NewClient(cfg config.NOWPaymentsConfig, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		breaker: breaker,
		logger:  logger,
	}
}

// httpStatusError is a non-2xx provider reply.
type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.code, e.body)
}

// CreateInvoice asks the provider for a hosted invoice. Only transport errors
// and 5xx replies count against the circuit breaker.
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if c.apiKey == "" {
		return nil, ErrAPIKeyNotConfigured
	}

	payload, err := json.Marshal(req.body())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal request: %v", ErrInvoiceCreation, err)
	}

	log := c.logger.WithFields(logrus.Fields{
		"order_id":     req.OrderID,
		"price_amount": req.PriceAmount.StringFixed(2),
		"currency":     req.PriceCurrency,
	})
	log.Info("Requesting invoice from provider")

	var invoice *Invoice
	var callErr error
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		body, status, err := c.post(ctx, "/invoice", payload)
		if err != nil {
			return err
		}
		if status < 200 || status > 299 {
			callErr = &httpStatusError{code: status, body: truncate(body)}
			if status >= 500 {
				return callErr
			}
			return nil
		}
		invoice, callErr = decodeInvoice(body)
		return nil
	})
	if err == nil {
		err = callErr
	}
	if err != nil {
		log.WithError(err).Error("Invoice creation failed")
		return nil, fmt.Errorf("%w: %w", ErrInvoiceCreation, err)
	}

	log.WithFields(logrus.Fields{
		"invoice_id":  invoice.ID.String(),
		"invoice_url": invoice.InvoiceURL,
	}).Info("Invoice created")
	return invoice, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to send request to provider: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read provider response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func decodeInvoice(body []byte) (*Invoice, error) {
	var invoice Invoice
	if err := json.Unmarshal(body, &invoice); err != nil {
		return nil, fmt.Errorf("malformed provider response: %v", err)
	}
	if err := validate.Struct(&invoice); err != nil {
		return nil, fmt.Errorf("incomplete provider response: %v", err)
	}
	return &invoice, nil
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}

package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// SignatureHeader is the request header carrying the provider's signature.
const SignatureHeader = "x-nowpayments-sig"

var (
	ErrMissingSignature    = errors.New("missing signature")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrSecretNotConfigured = errors.New("webhook secret not configured")
	ErrSignatureMismatch   = errors.New("signature mismatch")
)

type Authenticator struct {
	secret string
	logger *logrus.Logger
}

func NewAuthenticator(secret string, logger *logrus.Logger) *Authenticator {
	return &Authenticator{secret: secret, logger: logger}
}

// Request describes the delivery being verified, for audit logging.
type Request struct {
	Body      []byte
	Signature string
	Remote    string
}

// Verify checks the signature over the canonical form of the body. The
// comparison is constant time and accepts hex in either case.
func (a *Authenticator) Verify(req Request) error {
	err := a.verify(req)
	if err != nil {
		fields := logrus.Fields{
			"remote":      req.Remote,
			"body_length": len(req.Body),
		}
		if invoiceID := peekInvoiceID(req.Body); invoiceID != "" {
			fields["invoice_id"] = invoiceID
		}
		entry := a.logger.WithFields(fields).WithError(err)
		if errors.Is(err, ErrSecretNotConfigured) {
			entry.Error("Webhook rejected: server misconfigured")
		} else {
			entry.Warn("Webhook rejected")
		}
	}
	return err
}

func (a *Authenticator) verify(req Request) error {
	signature := strings.TrimSpace(req.Signature)
	if signature == "" {
		return ErrMissingSignature
	}
	canonical, err := Canonicalize(req.Body)
	if err != nil {
		return err
	}
	if a.secret == "" {
		return ErrSecretNotConfigured
	}

	given, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil || len(given) != sha512.Size {
		return ErrSignatureMismatch
	}
	mac := hmac.New(sha512.New, []byte(a.secret))
	mac.Write(canonical)
	if !hmac.Equal(given, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}
	return nil
}

func peekInvoiceID(body []byte) string {
	var probe struct {
		InvoiceID json.RawMessage `json:"invoice_id"`
	}
	if json.Unmarshal(body, &probe) != nil || len(probe.InvoiceID) == 0 {
		return ""
	}
	return strings.Trim(string(probe.InvoiceID), `"`)
}

package receipt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
)

// Environment tags where a receipt was issued.
type Environment string

const (
	EnvironmentSandbox    Environment = "Sandbox"
	EnvironmentProduction Environment = "Production"
)

// Claims is the signed payload of one transaction receipt.
type Claims struct {
	TransactionID         string      `json:"transactionId"`
	OriginalTransactionID string      `json:"originalTransactionId,omitempty"`
	ProductID             string      `json:"productId"`
	BundleID              string      `json:"bundleId"`
	PurchaseDate          int64       `json:"purchaseDate"` // unix millis
	Quantity              int         `json:"quantity"`
	Environment           Environment `json:"environment"`
	AppVersion            string      `json:"appVersion,omitempty"`
	jwt.RegisteredClaims
}

func (c Claims) PurchaseTime() time.Time {
	return time.UnixMilli(c.PurchaseDate)
}

var (
	ErrInvalidFormat    = apperr.New(apperr.KindValidation, "invalid_receipt", "invalid receipt format")
	ErrInvalidSignature = apperr.New(apperr.KindValidation, "invalid_receipt_signature", "invalid receipt signature")
	ErrRejected         = apperr.New(apperr.KindValidation, "receipt_rejected", "receipt rejected by validation authority")
	ErrReplayed         = apperr.New(apperr.KindConflict, "receipt_replayed", "transaction already used for another order")
)

// Sign encodes c as an HS256 JWS.
func Sign(key []byte, c Claims) ([]byte, error) {
	if c.IssuedAt == nil {
		c.IssuedAt = jwt.NewNumericDate(time.Now())
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &c).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("signing receipt: %w", err)
	}

	return []byte(s), nil
}

// Parse decodes data. With a nil key only the structure is checked; otherwise the HS256
// signature must verify against key.
func Parse(data []byte, key []byte) (*Claims, error) {
	if len(data) == 0 {
		return nil, apperr.Wrap(ErrInvalidFormat, errors.New("empty receipt"))
	}

	var c Claims

	if key == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(string(data), &c); err != nil {
			return nil, apperr.Wrap(ErrInvalidFormat, err)
		}
	} else {
		_, err := jwt.ParseWithClaims(string(data), &c, func(*jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
				return nil, apperr.Wrap(ErrInvalidSignature, err)
			}

			return nil, apperr.Wrap(ErrInvalidFormat, err)
		}
	}

	if err := c.check(); err != nil {
		return nil, err
	}

	return &c, nil
}

func (c *Claims) check() error {
	switch {
	case c.TransactionID == "":
		return apperr.Wrap(ErrInvalidFormat, errors.New("missing transactionId"))
	case c.ProductID == "":
		return apperr.Wrap(ErrInvalidFormat, errors.New("missing productId"))
	case c.PurchaseDate <= 0:
		return apperr.Wrap(ErrInvalidFormat, errors.New("missing purchaseDate"))
	case c.Environment != EnvironmentSandbox && c.Environment != EnvironmentProduction:
		return apperr.Wrap(ErrInvalidFormat, fmt.Errorf("unknown environment %q", c.Environment))
	}

	return nil
}

package product

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/MrJamesThe3rd/iapkit/internal/apperr"
)

// Kind represents how a product is consumed.
type Kind string

const (
	KindConsumable              Kind = "consumable"
	KindNonConsumable           Kind = "non_consumable"
	KindAutoRenewable           Kind = "auto_renewable"
	KindNonRenewingSubscription Kind = "non_renewing_subscription"
)

var ErrInvalidID = apperr.New(apperr.KindValidation, "invalid_product_id", "invalid product id")

// Period is a subscription billing unit.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// SubscriptionTerms describes the renewal cadence of a subscription product.
type SubscriptionTerms struct {
	GroupID       string
	Period        Period
	PeriodCount   int
	TrialDuration time.Duration
}

// Product is an immutable catalog entry.
type Product struct {
	ID           string
	DisplayName  string
	Description  string
	Price        decimal.Decimal
	CurrencyCode string // ISO 4217
	Locale       string // BCP 47
	Kind         Kind
	Subscription *SubscriptionTerms
}

// ValidateID checks that id is a reverse-DNS style identifier such as "coins.100".
func ValidateID(id string) error {
	if id == "" || strings.TrimSpace(id) != id {
		return apperr.Wrap(ErrInvalidID, fmt.Errorf("%q", id))
	}

	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return apperr.Wrap(ErrInvalidID, fmt.Errorf("%q: illegal character %q", id, r))
		}
	}

	return nil
}

func (p Product) IsSubscription() bool {
	return p.Kind == KindAutoRenewable || p.Kind == KindNonRenewingSubscription
}

// FormattedPrice renders the price with its currency symbol using the product locale.
func (p Product) FormattedPrice() string {
	tag, err := language.Parse(p.Locale)
	if err != nil {
		tag = language.AmericanEnglish
	}

	unit, err := currency.ParseISO(p.CurrencyCode)
	if err != nil {
		return p.Price.StringFixed(2) + " " + p.CurrencyCode
	}

	amount, _ := p.Price.Float64()

	return message.NewPrinter(tag).Sprint(currency.Symbol(unit.Amount(amount)))
}

package services

import (
	"math"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/consultlaw/consultpay-gobackend/internal/models"
)

const (
	minAmount = 5.0
	maxAmount = 2000.0

	maxMetadataKeys     = 20
	maxMetadataKeyLen   = 40
	maxMetadataValueLen = 500
)

// Reconciliation tolerances between the declared total and
// connection_fee + provider_amount. Up to softTolerance the mismatch is
// treated as rounding noise; up to hardTolerance it is accepted with a
// warning; beyond that the request is rejected.
var (
	softTolerance = decimal.New(2, -2)   // 0.02
	hardTolerance = decimal.New(100, -2) // 1.00
)

// ValidateRequest checks a payment request and normalizes its amounts
// to integer minor units. Checks run in order and stop at the first
// failure. This is the only place major units are converted to cents.
func ValidateRequest(req *models.PaymentRequest, log zerolog.Logger) (*models.NormalizedRequest, error) {
	if !isFinite(req.Amount) || req.Amount <= 0 {
		return nil, models.ValidationError("amount must be a positive number, got %v", req.Amount)
	}
	if req.Amount < minAmount || req.Amount > maxAmount {
		return nil, models.ValidationError("amount %.2f outside allowed range [%.0f, %.0f]", req.Amount, minAmount, maxAmount)
	}

	fee := resolveFee(req)
	if !isFinite(fee) || fee < 0 {
		return nil, models.ValidationError("connection fee must be a non-negative number, got %v", fee)
	}
	if !isFinite(req.ProviderAmount) || req.ProviderAmount < 0 {
		return nil, models.ValidationError("provider amount must be a non-negative number, got %v", req.ProviderAmount)
	}

	if req.ClientID == "" || req.ProviderID == "" {
		return nil, models.ValidationError("client_id and provider_id are required")
	}
	if req.ClientID == req.ProviderID {
		return nil, models.ValidationError("client %s cannot pay themselves", req.ClientID)
	}

	if !models.ValidCurrency(req.Currency) {
		return nil, models.ValidationError("unsupported currency %q, must be eur or usd", req.Currency)
	}
	if !models.ValidServiceType(req.ServiceType) {
		return nil, models.ValidationError("unknown service type %q", req.ServiceType)
	}
	if !models.ValidProviderRole(req.ProviderRole) {
		return nil, models.ValidationError("unknown provider role %q", req.ProviderRole)
	}
	if err := validateMetadata(req.Metadata); err != nil {
		return nil, err
	}

	total := decimal.NewFromFloat(req.Amount)
	feeDec := decimal.NewFromFloat(fee)
	payout := decimal.NewFromFloat(req.ProviderAmount)

	delta := feeDec.Add(payout).Sub(total).Abs()
	if delta.GreaterThan(hardTolerance) {
		return nil, models.ValidationError(
			"fee split does not reconcile: connection_fee %s + provider_amount %s differs from amount %s by %s",
			feeDec, payout, total, delta)
	}
	if delta.GreaterThan(softTolerance) {
		log.Warn().
			Str("expected_total", total.String()).
			Str("fee_plus_payout", feeDec.Add(payout).String()).
			Str("delta", delta.String()).
			Str("client_id", req.ClientID).
			Str("provider_id", req.ProviderID).
			Msg("fee split mismatch within accepted tolerance")
	}

	// Cents are authoritative; the major-unit values are derived back
	// from them so the two representations can never diverge (19.999
	// normalizes to 2000 cents and 20.00, not 19.999).
	amountCents := majorToCents(total)
	feeCents := majorToCents(feeDec)
	payoutCents := majorToCents(payout)

	return &models.NormalizedRequest{
		Amount:              models.CentsToMajor(amountCents),
		AmountCents:         amountCents,
		Currency:            req.Currency,
		ClientID:            req.ClientID,
		ProviderID:          req.ProviderID,
		ServiceType:         req.ServiceType,
		ProviderRole:        req.ProviderRole,
		ConnectionFee:       models.CentsToMajor(feeCents),
		ConnectionFeeCents:  feeCents,
		ProviderAmount:      models.CentsToMajor(payoutCents),
		ProviderAmountCents: payoutCents,
		CallSessionID:       req.CallSessionID,
		Metadata:            req.Metadata,
	}, nil
}

// resolveFee prefers connection_fee, falls back to the legacy
// commission_amount alias, then zero.
func resolveFee(req *models.PaymentRequest) float64 {
	if req.ConnectionFee != nil {
		return *req.ConnectionFee
	}
	if req.CommissionAmount != nil {
		return *req.CommissionAmount
	}
	return 0
}

func validateMetadata(meta map[string]string) error {
	if len(meta) > maxMetadataKeys {
		return models.ValidationError("metadata has %d keys, at most %d allowed", len(meta), maxMetadataKeys)
	}
	for k, v := range meta {
		if k == "" {
			return models.ValidationError("metadata keys must be non-empty")
		}
		if len(k) > maxMetadataKeyLen {
			return models.ValidationError("metadata key %q exceeds %d characters", k, maxMetadataKeyLen)
		}
		if len(v) > maxMetadataValueLen {
			return models.ValidationError("metadata value for key %q exceeds %d characters", k, maxMetadataValueLen)
		}
	}
	return nil
}

func majorToCents(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

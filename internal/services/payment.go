package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/consultlaw/consultpay-gobackend/internal/config"
	"github.com/consultlaw/consultpay-gobackend/internal/models"
	"github.com/consultlaw/consultpay-gobackend/internal/stripe"
)

// Processor is the slice of the payment processor this service drives.
// *stripe.Client satisfies it; tests substitute counting fakes.
type Processor interface {
	CreateIntent(ctx context.Context, p stripe.CreateIntentParams) (*stripe.Intent, error)
	GetIntent(ctx context.Context, id string) (*stripe.Intent, error)
	CaptureIntent(ctx context.Context, id string) (*stripe.Intent, error)
	CancelIntent(ctx context.Context, id, reason string) (*stripe.Intent, error)
	CreateRefund(ctx context.Context, paymentIntentID, reason string, amountCents int64) (*stripe.Refund, error)
}

// Store is the persistence surface the orchestrator needs.
type Store interface {
	Save(ctx context.Context, rec *models.PaymentRecord) error
	Update(ctx context.Context, transactionID string, fields map[string]interface{}) error
	Get(ctx context.Context, transactionID string) (*models.PaymentRecord, error)
	HasAcceptedPayment(ctx context.Context, clientID, providerID, sessionID string) (bool, error)
	Aggregate(ctx context.Context, f models.StatisticsFilter) (*models.PaymentStatistics, error)
}

// PaymentService orchestrates the payment lifecycle: create a
// manual-capture hold, then capture, cancel or refund it, keeping the
// payments collection authoritative. Constructed once at startup with
// an already-resolved processor client.
type PaymentService struct {
	processor     Processor
	store         Store
	creds         *config.Credentials
	guardFailOpen bool
	log           zerolog.Logger

	// createLocks serializes Create per (client, provider, session)
	// tuple so the duplicate check-then-act cannot race with itself in
	// this process. Cross-instance races remain a documented gap.
	createLocks *keyedMutex
}

func NewPaymentService(processor Processor, store Store, creds *config.Credentials, guardFailOpen bool, log zerolog.Logger) *PaymentService {
	return &PaymentService{
		processor:     processor,
		store:         store,
		creds:         creds,
		guardFailOpen: guardFailOpen,
		log:           log.With().Str("component", "payment_service").Logger(),
		createLocks:   newKeyedMutex(),
	}
}

// CreatePayment validates the request, guards against an existing
// accepted payment for the same parties, places a manual-capture hold
// with the processor and persists the authoritative record.
func (s *PaymentService) CreatePayment(ctx context.Context, req *models.PaymentRequest) *models.PaymentResult {
	norm, err := ValidateRequest(req, s.log)
	if err != nil {
		s.log.Warn().Err(err).Str("client_id", req.ClientID).Str("provider_id", req.ProviderID).
			Msg("payment request rejected by validation")
		return failure(err)
	}

	lockKey := norm.ClientID + "|" + norm.ProviderID + "|" + norm.CallSessionID
	s.createLocks.lock(lockKey)
	defer s.createLocks.unlock(lockKey)

	duplicate, err := s.store.HasAcceptedPayment(ctx, norm.ClientID, norm.ProviderID, norm.CallSessionID)
	if err != nil {
		if !s.guardFailOpen {
			s.log.Error().Err(err).Msg("duplicate check failed and guard is fail-closed")
			return failure(models.PersistenceError(err, "could not verify existing payments"))
		}
		// Fail-open: availability over strict duplicate safety during a
		// store outage.
		s.log.Warn().Err(err).Str("client_id", norm.ClientID).Str("provider_id", norm.ProviderID).
			Msg("duplicate check failed, proceeding fail-open")
		duplicate = false
	}
	if duplicate {
		s.log.Warn().Str("client_id", norm.ClientID).Str("provider_id", norm.ProviderID).
			Str("call_session_id", norm.CallSessionID).
			Msg("rejected: accepted payment already exists for this pair")
		return failure(models.DuplicatePaymentError(
			"an accepted payment already exists for client %s and provider %s", norm.ClientID, norm.ProviderID))
	}

	intent, err := s.processor.CreateIntent(ctx, stripe.CreateIntentParams{
		AmountCents: norm.AmountCents,
		Currency:    norm.Currency,
		Description: fmt.Sprintf("%s: client %s with %s %s", norm.ServiceType, norm.ClientID, norm.ProviderRole, norm.ProviderID),
		Metadata:    s.intentMetadata(norm),
	})
	if err != nil {
		s.log.Error().Err(err).
			Int64("amount_cents", norm.AmountCents).
			Str("client_id", norm.ClientID).
			Str("provider_id", norm.ProviderID).
			Msg("processor rejected payment create")
		return failure(models.ProcessorError(err, "payment creation failed"))
	}

	now := time.Now().UTC()
	rec := &models.PaymentRecord{
		ID:                  intent.ID,
		ClientID:            norm.ClientID,
		ProviderID:          norm.ProviderID,
		AmountCents:         norm.AmountCents,
		Amount:              norm.Amount,
		ConnectionFeeCents:  norm.ConnectionFeeCents,
		ConnectionFee:       norm.ConnectionFee,
		ProviderAmountCents: norm.ProviderAmountCents,
		ProviderAmount:      norm.ProviderAmount,
		Currency:            norm.Currency,
		ServiceType:         norm.ServiceType,
		ProviderRole:        norm.ProviderRole,
		Status:              intent.Status,
		ClientSecret:        intent.ClientSecret,
		CallSessionID:       norm.CallSessionID,
		Metadata:            norm.Metadata,
		Mode:                s.creds.Mode,
		Environment:         s.creds.Environment,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.Save(ctx, rec); err != nil {
		// The hold exists remotely with no local record. Log everything
		// needed to reconcile it manually.
		s.log.Error().Err(err).
			Str("transaction_id", intent.ID).
			Int64("amount_cents", norm.AmountCents).
			Str("client_id", norm.ClientID).
			Str("provider_id", norm.ProviderID).
			Str("mode", s.creds.Mode).
			Msg("processor hold created but record persistence failed; manual reconciliation required")
		return failure(models.PersistenceError(err, "payment %s authorized but could not be recorded", intent.ID))
	}

	s.log.Info().Str("transaction_id", intent.ID).Str("status", intent.Status).
		Int64("amount_cents", norm.AmountCents).Msg("payment hold created")
	return &models.PaymentResult{Success: true, TransactionID: intent.ID, ClientSecret: intent.ClientSecret}
}

// CapturePayment settles a previously authorized hold. Capture is only
// valid from requires_capture; a second capture attempt is a state
// error, not a silent success.
func (s *PaymentService) CapturePayment(ctx context.Context, transactionID, sessionID string) *models.PaymentResult {
	remote, err := s.processor.GetIntent(ctx, transactionID)
	if err != nil {
		s.log.Error().Err(err).Str("transaction_id", transactionID).Msg("could not fetch payment before capture")
		return failure(models.ProcessorError(err, "could not fetch payment %s", transactionID))
	}
	if remote.Status != models.StatusRequiresCapture {
		return failure(models.StateError("cannot capture payment %s in status %q", transactionID, remote.Status))
	}

	captured, err := s.processor.CaptureIntent(ctx, transactionID)
	if err != nil {
		s.log.Error().Err(err).Str("transaction_id", transactionID).Msg("processor capture failed")
		return failure(models.ProcessorError(err, "capture of payment %s failed", transactionID))
	}

	now := time.Now().UTC()
	if err := s.persistUpdate(transactionID, map[string]interface{}{
		"status":      captured.Status,
		"captured_at": now,
	}); err != nil {
		return failure(err)
	}

	s.log.Info().Str("transaction_id", transactionID).Str("status", captured.Status).
		Str("call_session_id", sessionID).Msg("payment captured")
	return &models.PaymentResult{Success: true, TransactionID: transactionID}
}

// RefundPayment refunds a paid transaction, fully or partially. amount
// is in major units and converted to cents at this boundary; nil means
// a full refund, anything non-positive is rejected before the processor
// is involved. Repeat refunds are passed through; the processor rejects
// over-refunding.
func (s *PaymentService) RefundPayment(ctx context.Context, transactionID, reason, sessionID string, amount *float64) *models.PaymentResult {
	var amountCents int64
	if amount != nil {
		if !isFinite(*amount) || *amount <= 0 {
			return failure(models.ValidationError("refund amount must be a positive number, got %v", *amount))
		}
		amountCents = majorToCents(decimal.NewFromFloat(*amount))
	}

	refund, err := s.processor.CreateRefund(ctx, transactionID, reason, amountCents)
	if err != nil {
		s.log.Error().Err(err).Str("transaction_id", transactionID).
			Int64("refund_cents", amountCents).Msg("processor refund failed")
		return failure(models.ProcessorError(err, "refund of payment %s failed", transactionID))
	}

	now := time.Now().UTC()
	if err := s.persistUpdate(transactionID, map[string]interface{}{
		"status":        models.StatusRefunded,
		"refund_id":     refund.ID,
		"refund_reason": reason,
		"refunded_at":   now,
	}); err != nil {
		return failure(err)
	}

	s.log.Info().Str("transaction_id", transactionID).Str("refund_id", refund.ID).
		Str("reason", reason).Str("call_session_id", sessionID).Msg("payment refunded")
	return &models.PaymentResult{Success: true, TransactionID: transactionID}
}

// CancelPayment releases a hold that has not been captured yet. The
// processor enforces that the hold is still pre-capture.
func (s *PaymentService) CancelPayment(ctx context.Context, transactionID, reason, sessionID string) *models.PaymentResult {
	canceled, err := s.processor.CancelIntent(ctx, transactionID, reason)
	if err != nil {
		s.log.Error().Err(err).Str("transaction_id", transactionID).Msg("processor cancel failed")
		return failure(models.ProcessorError(err, "cancellation of payment %s failed", transactionID))
	}

	now := time.Now().UTC()
	if err := s.persistUpdate(transactionID, map[string]interface{}{
		"status":        canceled.Status,
		"cancel_reason": reason,
		"canceled_at":   now,
	}); err != nil {
		return failure(err)
	}

	s.log.Info().Str("transaction_id", transactionID).Str("status", canceled.Status).
		Str("reason", reason).Str("call_session_id", sessionID).Msg("payment canceled")
	return &models.PaymentResult{Success: true, TransactionID: transactionID}
}

// GetPayment returns the persisted record, or nil when none exists.
// Reads have no side effects.
func (s *PaymentService) GetPayment(ctx context.Context, transactionID string) (*models.PaymentRecord, error) {
	return s.store.Get(ctx, transactionID)
}

func (s *PaymentService) intentMetadata(norm *models.NormalizedRequest) map[string]string {
	meta := map[string]string{
		"client_id":             norm.ClientID,
		"provider_id":           norm.ProviderID,
		"service_type":          norm.ServiceType,
		"provider_role":         norm.ProviderRole,
		"amount_cents":          strconv.FormatInt(norm.AmountCents, 10),
		"amount":                decimal.NewFromFloat(norm.Amount).StringFixed(2),
		"connection_fee_cents":  strconv.FormatInt(norm.ConnectionFeeCents, 10),
		"connection_fee":        decimal.NewFromFloat(norm.ConnectionFee).StringFixed(2),
		"provider_amount_cents": strconv.FormatInt(norm.ProviderAmountCents, 10),
		"provider_amount":       decimal.NewFromFloat(norm.ProviderAmount).StringFixed(2),
		"mode":                  s.creds.Mode,
		"environment":           s.creds.Environment,
	}
	if norm.CallSessionID != "" {
		meta["call_session_id"] = norm.CallSessionID
	}
	for k, v := range norm.Metadata {
		if _, reserved := meta[k]; !reserved {
			meta[k] = v
		}
	}
	return meta
}

// persistUpdate applies a post-processor status change. A failure here
// leaves the remote state ahead of the local record, so it is logged
// with reconciliation context before being surfaced.
func (s *PaymentService) persistUpdate(transactionID string, fields map[string]interface{}) error {
	// Detached context: the processor side effect already happened, an
	// abandoned caller must not abort the local write.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.Update(ctx, transactionID, fields); err != nil {
		s.log.Error().Err(err).
			Str("transaction_id", transactionID).
			Interface("fields", fields).
			Msg("processor state changed but record update failed; manual reconciliation required")
		return models.PersistenceError(err, "payment %s updated at processor but could not be recorded", transactionID)
	}
	return nil
}

func failure(err error) *models.PaymentResult {
	return &models.PaymentResult{
		Success:   false,
		Error:     err.Error(),
		ErrorKind: string(models.KindOf(err)),
	}
}

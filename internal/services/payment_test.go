package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consultlaw/consultpay-gobackend/internal/config"
	"github.com/consultlaw/consultpay-gobackend/internal/models"
	"github.com/consultlaw/consultpay-gobackend/internal/stripe"
)

type fakeProcessor struct {
	createCalls  int
	getCalls     int
	captureCalls int
	cancelCalls  int
	refundCalls  int

	lastCreate stripe.CreateIntentParams
	lastRefund struct {
		paymentIntentID string
		reason          string
		amountCents     int64
	}

	remoteStatus string // what GetIntent reports
	createErr    error
	captureErr   error
	refundErr    error
	cancelErr    error
}

func (f *fakeProcessor) CreateIntent(ctx context.Context, p stripe.CreateIntentParams) (*stripe.Intent, error) {
	f.createCalls++
	f.lastCreate = p
	if f.createErr != nil {
		return nil, f.createErr
	}
	id := fmt.Sprintf("pi_test_%d", f.createCalls)
	return &stripe.Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       models.StatusRequiresCapture,
		Amount:       p.AmountCents,
	}, nil
}

func (f *fakeProcessor) GetIntent(ctx context.Context, id string) (*stripe.Intent, error) {
	f.getCalls++
	status := f.remoteStatus
	if status == "" {
		status = models.StatusRequiresCapture
	}
	return &stripe.Intent{ID: id, Status: status}, nil
}

func (f *fakeProcessor) CaptureIntent(ctx context.Context, id string) (*stripe.Intent, error) {
	f.captureCalls++
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	return &stripe.Intent{ID: id, Status: models.StatusSucceeded}, nil
}

func (f *fakeProcessor) CancelIntent(ctx context.Context, id, reason string) (*stripe.Intent, error) {
	f.cancelCalls++
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return &stripe.Intent{ID: id, Status: models.StatusCanceled}, nil
}

func (f *fakeProcessor) CreateRefund(ctx context.Context, paymentIntentID, reason string, amountCents int64) (*stripe.Refund, error) {
	f.refundCalls++
	f.lastRefund.paymentIntentID = paymentIntentID
	f.lastRefund.reason = reason
	f.lastRefund.amountCents = amountCents
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	return &stripe.Refund{ID: "re_test_1", Amount: amountCents}, nil
}

type memStore struct {
	mu      sync.Mutex
	records map[string]*models.PaymentRecord

	saveErr   error
	updateErr error
	guardErr  error
	aggErr    error
	aggResult *models.PaymentStatistics
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*models.PaymentRecord{}}
}

func (m *memStore) Save(ctx context.Context, rec *models.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	clone := *rec
	m.records[rec.ID] = &clone
	return nil
}

func (m *memStore) Update(ctx context.Context, transactionID string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	rec, ok := m.records[transactionID]
	if !ok {
		return fmt.Errorf("payment %s not found", transactionID)
	}
	for k, v := range fields {
		switch k {
		case "status":
			rec.Status = v.(string)
		case "captured_at":
			ts := v.(time.Time)
			rec.CapturedAt = &ts
		case "canceled_at":
			ts := v.(time.Time)
			rec.CanceledAt = &ts
		case "refunded_at":
			ts := v.(time.Time)
			rec.RefundedAt = &ts
		case "refund_id":
			rec.RefundID = v.(string)
		case "refund_reason":
			rec.RefundReason = v.(string)
		case "cancel_reason":
			rec.CancelReason = v.(string)
		}
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) Get(ctx context.Context, transactionID string) (*models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[transactionID]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}

func (m *memStore) HasAcceptedPayment(ctx context.Context, clientID, providerID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.guardErr != nil {
		return false, m.guardErr
	}
	for _, rec := range m.records {
		if rec.ClientID != clientID || rec.ProviderID != providerID {
			continue
		}
		if rec.Status != models.StatusRequiresCapture && rec.Status != models.StatusSucceeded {
			continue
		}
		if sessionID != "" && rec.CallSessionID != sessionID {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (m *memStore) Aggregate(ctx context.Context, f models.StatisticsFilter) (*models.PaymentStatistics, error) {
	if m.aggErr != nil {
		return nil, m.aggErr
	}
	if m.aggResult != nil {
		return m.aggResult, nil
	}
	return models.EmptyStatistics(), nil
}

func newTestService(proc Processor, st Store, failOpen bool) *PaymentService {
	creds := &config.Credentials{Mode: models.ModeTest, SecretKey: "sk_test_x", Environment: "test"}
	return NewPaymentService(proc, st, creds, failOpen, zerolog.Nop())
}

func TestCreatePayment_Success(t *testing.T) {
	proc := &fakeProcessor{}
	st := newMemStore()
	svc := newTestService(proc, st, true)

	result := svc.CreatePayment(context.Background(), validRequest())
	require.True(t, result.Success, result.Error)
	require.NotEmpty(t, result.TransactionID)
	assert.NotEmpty(t, result.ClientSecret)

	assert.Equal(t, 1, proc.createCalls)
	assert.Equal(t, int64(4900), proc.lastCreate.AmountCents)
	assert.Equal(t, "eur", proc.lastCreate.Currency)

	rec, err := st.Get(context.Background(), result.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusRequiresCapture, rec.Status)
	assert.Equal(t, int64(4900), rec.AmountCents)
	assert.Equal(t, 49.0, rec.Amount)
	assert.Equal(t, int64(900), rec.ConnectionFeeCents)
	assert.Equal(t, int64(4000), rec.ProviderAmountCents)
	assert.Equal(t, models.ModeTest, rec.Mode)
}

func TestCreatePayment_MetadataCarriesAuditBreakdown(t *testing.T) {
	proc := &fakeProcessor{}
	svc := newTestService(proc, newMemStore(), true)

	req := validRequest()
	req.CallSessionID = "sess-1"
	req.Metadata = map[string]string{"booking_ref": "bk_42"}

	result := svc.CreatePayment(context.Background(), req)
	require.True(t, result.Success, result.Error)

	meta := proc.lastCreate.Metadata
	assert.Equal(t, "c1", meta["client_id"])
	assert.Equal(t, "p1", meta["provider_id"])
	assert.Equal(t, "4900", meta["amount_cents"])
	assert.Equal(t, "49.00", meta["amount"])
	assert.Equal(t, "900", meta["connection_fee_cents"])
	assert.Equal(t, "9.00", meta["connection_fee"])
	assert.Equal(t, models.ModeTest, meta["mode"])
	assert.Equal(t, "sess-1", meta["call_session_id"])
	assert.Equal(t, "bk_42", meta["booking_ref"])
}

func TestCreatePayment_CallerMetadataCannotShadowReservedKeys(t *testing.T) {
	proc := &fakeProcessor{}
	svc := newTestService(proc, newMemStore(), true)

	req := validRequest()
	req.Metadata = map[string]string{"client_id": "spoofed"}

	result := svc.CreatePayment(context.Background(), req)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "c1", proc.lastCreate.Metadata["client_id"])
}

func TestCreatePayment_DuplicateRejectedBeforeProcessor(t *testing.T) {
	proc := &fakeProcessor{}
	st := newMemStore()
	svc := newTestService(proc, st, true)

	first := svc.CreatePayment(context.Background(), validRequest())
	require.True(t, first.Success, first.Error)
	require.Equal(t, 1, proc.createCalls)

	second := svc.CreatePayment(context.Background(), validRequest())
	assert.False(t, second.Success)
	assert.Contains(t, second.Error, "already exists")
	assert.Equal(t, 1, proc.createCalls, "processor must not be called for a duplicate")
}

func TestCreatePayment_DuplicateGuardScopedBySession(t *testing.T) {
	proc := &fakeProcessor{}
	st := newMemStore()
	svc := newTestService(proc, st, true)

	existing := validRequest()
	existing.CallSessionID = "sess-1"
	require.True(t, svc.CreatePayment(context.Background(), existing).Success)

	// Same pair, different consultation session: not blocked.
	next := validRequest()
	next.CallSessionID = "sess-2"
	result := svc.CreatePayment(context.Background(), next)
	assert.True(t, result.Success, result.Error)
	assert.Equal(t, 2, proc.createCalls)

	// Same pair, same session: blocked.
	repeat := validRequest()
	repeat.CallSessionID = "sess-2"
	result = svc.CreatePayment(context.Background(), repeat)
	assert.False(t, result.Success)
	assert.Equal(t, 2, proc.createCalls)
}

func TestCreatePayment_GuardFailOpenPolicy(t *testing.T) {
	t.Run("fail-open proceeds on store error", func(t *testing.T) {
		proc := &fakeProcessor{}
		st := newMemStore()
		st.guardErr = errors.New("store unavailable")
		svc := newTestService(proc, st, true)

		result := svc.CreatePayment(context.Background(), validRequest())
		assert.True(t, result.Success, result.Error)
		assert.Equal(t, 1, proc.createCalls)
	})

	t.Run("fail-closed blocks on store error", func(t *testing.T) {
		proc := &fakeProcessor{}
		st := newMemStore()
		st.guardErr = errors.New("store unavailable")
		svc := newTestService(proc, st, false)

		result := svc.CreatePayment(context.Background(), validRequest())
		assert.False(t, result.Success)
		assert.Equal(t, 0, proc.createCalls)
	})
}

func TestCreatePayment_ValidationStopsBeforeProcessor(t *testing.T) {
	proc := &fakeProcessor{}
	svc := newTestService(proc, newMemStore(), true)

	req := validRequest()
	req.Amount = 3
	result := svc.CreatePayment(context.Background(), req)
	assert.False(t, result.Success)
	assert.Equal(t, 0, proc.createCalls)
}

func TestCreatePayment_ProcessorFailureIsCaught(t *testing.T) {
	proc := &fakeProcessor{createErr: errors.New("card network down")}
	svc := newTestService(proc, newMemStore(), true)

	result := svc.CreatePayment(context.Background(), validRequest())
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "payment creation failed")
}

func TestCreatePayment_PersistFailureAfterProcessorSuccess(t *testing.T) {
	proc := &fakeProcessor{}
	st := newMemStore()
	st.saveErr = errors.New("write concern failed")
	svc := newTestService(proc, st, true)

	result := svc.CreatePayment(context.Background(), validRequest())
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "could not be recorded")
	assert.Equal(t, 1, proc.createCalls, "the hold was already placed")
}

func TestCapturePayment_Success(t *testing.T) {
	proc := &fakeProcessor{}
	st := newMemStore()
	svc := newTestService(proc, st, true)

	created := svc.CreatePayment(context.Background(), validRequest())
	require.True(t, created.Success)

	result := svc.CapturePayment(context.Background(), created.TransactionID, "")
	require.True(t, result.Success, result.Error)
	assert.Equal(t, 1, proc.captureCalls)

	rec, err := st.Get(context.Background(), created.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusSucceeded, rec.Status)
	require.NotNil(t, rec.CapturedAt)
	assert.False(t, rec.CapturedAt.IsZero())
}

func TestCapturePayment_AlreadyCapturedIsStateError(t *testing.T) {
	proc := &fakeProcessor{remoteStatus: models.StatusSucceeded}
	st := newMemStore()
	svc := newTestService(proc, st, true)

	result := svc.CapturePayment(context.Background(), "pi_test_1", "")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "cannot capture")
	assert.Equal(t, 0, proc.captureCalls, "capture must not be attempted twice")
}

func TestRefundPayment_Success(t *testing.T) {
	proc := &fakeProcessor{}
	st := newMemStore()
	svc := newTestService(proc, st, true)

	created := svc.CreatePayment(context.Background(), validRequest())
	require.True(t, created.Success)
	require.True(t, svc.CapturePayment(context.Background(), created.TransactionID, "").Success)

	result := svc.RefundPayment(context.Background(), created.TransactionID, "client_request", "", nil)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, 1, proc.refundCalls)
	assert.Equal(t, int64(0), proc.lastRefund.amountCents, "full refund sends no amount")

	rec, err := st.Get(context.Background(), created.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusRefunded, rec.Status)
	assert.Equal(t, "client_request", rec.RefundReason)
	assert.Equal(t, "re_test_1", rec.RefundID)
	require.NotNil(t, rec.RefundedAt)
}

func TestCreatePayment_RecordAmountsDerivedFromCents(t *testing.T) {
	proc := &fakeProcessor{}
	st := newMemStore()
	svc := newTestService(proc, st, true)

	req := validRequest()
	req.Amount = 19.999
	req.ConnectionFee = floatPtr(5)
	req.ProviderAmount = 15

	result := svc.CreatePayment(context.Background(), req)
	require.True(t, result.Success, result.Error)

	rec, err := st.Get(context.Background(), result.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(2000), rec.AmountCents)
	assert.Equal(t, 20.0, rec.Amount, "major units come from the authoritative cents")
}

func TestRefundPayment_NonPositiveAmountRejected(t *testing.T) {
	proc := &fakeProcessor{}
	st := newMemStore()
	svc := newTestService(proc, st, true)

	created := svc.CreatePayment(context.Background(), validRequest())
	require.True(t, created.Success)

	for _, amount := range []float64{-10, 0} {
		result := svc.RefundPayment(context.Background(), created.TransactionID, "client_request", "", &amount)
		assert.False(t, result.Success)
		assert.Equal(t, string(models.ErrKindValidation), result.ErrorKind)
	}
	assert.Equal(t, 0, proc.refundCalls, "a bad amount must never reach the processor")
}

func TestRefundPayment_PartialAmountConvertedToCents(t *testing.T) {
	proc := &fakeProcessor{}
	st := newMemStore()
	svc := newTestService(proc, st, true)

	created := svc.CreatePayment(context.Background(), validRequest())
	require.True(t, created.Success)

	partial := 10.50
	result := svc.RefundPayment(context.Background(), created.TransactionID, "partial_service", "", &partial)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, int64(1050), proc.lastRefund.amountCents)
}

func TestCancelPayment_Success(t *testing.T) {
	proc := &fakeProcessor{}
	st := newMemStore()
	svc := newTestService(proc, st, true)

	created := svc.CreatePayment(context.Background(), validRequest())
	require.True(t, created.Success)

	result := svc.CancelPayment(context.Background(), created.TransactionID, "provider_unavailable", "")
	require.True(t, result.Success, result.Error)
	assert.Equal(t, 1, proc.cancelCalls)

	rec, err := st.Get(context.Background(), created.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusCanceled, rec.Status)
	assert.Equal(t, "provider_unavailable", rec.CancelReason)
	require.NotNil(t, rec.CanceledAt)
}

func TestGetPayment_ReadIsIdempotent(t *testing.T) {
	proc := &fakeProcessor{}
	st := newMemStore()
	svc := newTestService(proc, st, true)

	created := svc.CreatePayment(context.Background(), validRequest())
	require.True(t, created.Success)

	first, err := svc.GetPayment(context.Background(), created.TransactionID)
	require.NoError(t, err)
	second, err := svc.GetPayment(context.Background(), created.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGetPayment_MissingIsNilNotError(t *testing.T) {
	svc := newTestService(&fakeProcessor{}, newMemStore(), true)

	rec, err := svc.GetPayment(context.Background(), "pi_missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestGetStatistics_DegradesToZeroedSummary(t *testing.T) {
	st := newMemStore()
	st.aggErr = errors.New("aggregation timeout")
	svc := newTestService(&fakeProcessor{}, st, true)

	stats := svc.GetStatistics(context.Background(), models.StatisticsFilter{})
	require.NotNil(t, stats)
	assert.Zero(t, stats.Count)
	assert.Zero(t, stats.TotalAmount)
	assert.NotNil(t, stats.ByStatus)
	assert.Empty(t, stats.ByStatus)
}

func TestGetStatistics_PassesThroughStoreRollup(t *testing.T) {
	st := newMemStore()
	st.aggResult = &models.PaymentStatistics{
		TotalAmount:         98,
		TotalFee:            18,
		TotalProviderPayout: 80,
		Count:               2,
		ByStatus:            map[string]int64{models.StatusSucceeded: 2},
	}
	svc := newTestService(&fakeProcessor{}, st, true)

	stats := svc.GetStatistics(context.Background(), models.StatisticsFilter{})
	assert.Equal(t, int64(2), stats.Count)
	assert.Equal(t, 98.0, stats.TotalAmount)
	assert.Equal(t, int64(2), stats.ByStatus[models.StatusSucceeded])
}

func TestCreatePayment_ConcurrentSameTupleProducesOneHold(t *testing.T) {
	proc := &fakeProcessor{}
	st := newMemStore()
	svc := newTestService(proc, st, true)

	var wg sync.WaitGroup
	results := make([]*models.PaymentResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.CreatePayment(context.Background(), validRequest())
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded, "create is serialized per (client, provider, session) tuple")
	assert.Equal(t, 1, proc.createCalls)
	assert.Equal(t, 0, svc.createLocks.size(), "lock entries are released once no caller holds them")
}

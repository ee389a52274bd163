package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/consultlaw/consultpay-gobackend/internal/models"
)

const paymentsCollection = "payments"

// PaymentStore owns the payments collection. Documents are keyed by the
// processor transaction id and mutated in place; nothing here deletes.
type PaymentStore struct {
	db *mongo.Database
}

func NewPaymentStore(db *mongo.Database) *PaymentStore {
	return &PaymentStore{db: db}
}

func (s *PaymentStore) collection() *mongo.Collection {
	return s.db.Collection(paymentsCollection)
}

// EnsureIndexes creates the indexes the duplicate guard and statistics
// queries rely on.
func (s *PaymentStore) EnsureIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "client_id", Value: 1}, {Key: "provider_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "call_session_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	}
	if _, err := s.collection().Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create payment indexes: %w", err)
	}
	return nil
}

func (s *PaymentStore) Save(ctx context.Context, rec *models.PaymentRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.collection().InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("failed to save payment %s: %w", rec.ID, err)
	}
	return nil
}

// Update merges the given fields into an existing record and refreshes
// updated_at.
func (s *PaymentStore) Update(ctx context.Context, transactionID string, fields map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	set := bson.M{"updated_at": time.Now().UTC()}
	for k, v := range fields {
		set[k] = v
	}

	res, err := s.collection().UpdateOne(ctx, bson.M{"_id": transactionID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update payment %s: %w", transactionID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("payment %s not found", transactionID)
	}
	return nil
}

// Get returns the record for a transaction id, or nil when no record
// exists. Missing is not an error.
func (s *PaymentStore) Get(ctx context.Context, transactionID string) (*models.PaymentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var rec models.PaymentRecord
	if err := s.collection().FindOne(ctx, bson.M{"_id": transactionID}).Decode(&rec); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch payment %s: %w", transactionID, err)
	}
	return &rec, nil
}

// HasAcceptedPayment reports whether an authorized-or-captured payment
// already exists for the client/provider pair. A non-empty sessionID
// scopes the check to one consultation request.
func (s *PaymentStore) HasAcceptedPayment(ctx context.Context, clientID, providerID, sessionID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := bson.M{
		"client_id":   clientID,
		"provider_id": providerID,
		"status":      bson.M{"$in": []string{models.StatusRequiresCapture, models.StatusSucceeded}},
	}
	if sessionID != "" {
		query["call_session_id"] = sessionID
	}

	err := s.collection().FindOne(ctx, query).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query accepted payments for client %s provider %s: %w", clientID, providerID, err)
	}
	return true, nil
}

// Aggregate rolls up persisted records. Cent sums are authoritative and
// converted to major units here, at the read boundary.
func (s *PaymentStore) Aggregate(ctx context.Context, f models.StatisticsFilter) (*models.PaymentStatistics, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	match := bson.M{}
	if f.ServiceType != "" {
		match["service_type"] = f.ServiceType
	}
	if f.ProviderRole != "" {
		match["provider_role"] = f.ProviderRole
	}
	if f.StartDate != nil || f.EndDate != nil {
		created := bson.M{}
		if f.StartDate != nil {
			created["$gte"] = *f.StartDate
		}
		if f.EndDate != nil {
			created["$lte"] = *f.EndDate
		}
		match["created_at"] = created
	}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: match}},
		bson.D{{Key: "$group", Value: bson.M{
			"_id":            "$status",
			"count":          bson.M{"$sum": 1},
			"amount_cents":   bson.M{"$sum": "$amount_cents"},
			"fee_cents":      bson.M{"$sum": "$connection_fee_cents"},
			"provider_cents": bson.M{"$sum": "$provider_amount_cents"},
		}}},
	}

	cur, err := s.collection().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate payments: %w", err)
	}
	defer cur.Close(ctx)

	var rows []struct {
		Status        string `bson:"_id"`
		Count         int64  `bson:"count"`
		AmountCents   int64  `bson:"amount_cents"`
		FeeCents      int64  `bson:"fee_cents"`
		ProviderCents int64  `bson:"provider_cents"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode payment aggregates: %w", err)
	}

	stats := models.EmptyStatistics()
	var amountCents, feeCents, providerCents int64
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.Count
		stats.Count += row.Count
		amountCents += row.AmountCents
		feeCents += row.FeeCents
		providerCents += row.ProviderCents
	}
	stats.TotalAmount = models.CentsToMajor(amountCents)
	stats.TotalFee = models.CentsToMajor(feeCents)
	stats.TotalProviderPayout = models.CentsToMajor(providerCents)
	return stats, nil
}

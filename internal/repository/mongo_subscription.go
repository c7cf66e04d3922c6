package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mansoorceksport/subscriptions/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoSubscriptionRepository implements domain.SubscriptionRepository
type MongoSubscriptionRepository struct {
	collection *mongo.Collection
}

// NewMongoSubscriptionRepository creates a new subscription repository
func NewMongoSubscriptionRepository(db *mongo.Database) *MongoSubscriptionRepository {
	coll := db.Collection("subscriptions")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The partial unique index is what enforces one active subscription per user.
	if _, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().
				SetName("uniq_active_per_user").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": string(domain.StatusActive)}),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{
			Keys:    bson.D{{Key: "external_subscription_id", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{Keys: bson.D{{Key: "external_customer_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "auto_renew", Value: 1}, {Key: "end_date", Value: 1}}},
	}); err != nil {
		log.Printf("[Repository] Failed to create subscription indexes: %v", err)
	}

	return &MongoSubscriptionRepository{
		collection: coll,
	}
}

// NextID returns a fresh ObjectID hex for Create to use
func (r *MongoSubscriptionRepository) NextID() string {
	return primitive.NewObjectID().Hex()
}

func (r *MongoSubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	sub.Version = 1

	objID := primitive.NewObjectID()
	if sub.ID != "" {
		parsed, err := primitive.ObjectIDFromHex(sub.ID)
		if err != nil {
			return fmt.Errorf("invalid subscription id %q: %w", sub.ID, domain.ErrValidation)
		}
		objID = parsed
	}

	doc := bson.M{
		"_id":               objID,
		"user_id":           sub.UserID,
		"status":            string(sub.Status),
		"start_date":        sub.StartDate,
		"end_date":          sub.EndDate,
		"next_billing_date": sub.NextBillingDate,
		"amount":            sub.Amount,
		"currency":          sub.Currency,
		"auto_renew":        sub.AutoRenew,
		"metadata": bson.M{
			"prorated_amount":     sub.Metadata.ProratedAmount,
			"days_remaining":      sub.Metadata.DaysRemaining,
			"renewal_anchor":      sub.Metadata.RenewalAnchor,
			"discount_percent":    sub.Metadata.DiscountPercent,
			"coupon_id":           sub.Metadata.CouponID,
			"checkout_session_id": sub.Metadata.CheckoutSessionID,
		},
		"version":    sub.Version,
		"created_at": sub.CreatedAt,
		"updated_at": sub.UpdatedAt,
	}
	// Sparse index: leave the provider ids out until they are known.
	if sub.ExternalSubscriptionID != "" {
		doc["external_subscription_id"] = sub.ExternalSubscriptionID
	}
	if sub.ExternalCustomerID != "" {
		doc["external_customer_id"] = sub.ExternalCustomerID
	}

	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("user %s already has an active subscription: %w", sub.UserID, domain.ErrConflict)
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	sub.ID = objID.Hex()
	return nil
}

func (r *MongoSubscriptionRepository) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, domain.ErrNotFound
	}
	return r.findOne(ctx, bson.M{"_id": objID}, nil, "failed to get subscription")
}

func (r *MongoSubscriptionRepository) FindActiveByUser(ctx context.Context, userID string) (*domain.Subscription, error) {
	return r.findOne(ctx, bson.M{"user_id": userID, "status": string(domain.StatusActive)}, nil, "failed to get active subscription")
}

func (r *MongoSubscriptionRepository) FindLatestByUser(ctx context.Context, userID string) (*domain.Subscription, error) {
	return r.findOne(ctx, bson.M{"user_id": userID}, newestFirst(), "failed to get latest subscription")
}

func (r *MongoSubscriptionRepository) FindLatestByUserAndStatus(ctx context.Context, userID string, status domain.SubscriptionStatus) (*domain.Subscription, error) {
	filter := bson.M{"user_id": userID, "status": string(status)}
	return r.findOne(ctx, filter, newestFirst(), "failed to get subscription by status")
}

func (r *MongoSubscriptionRepository) FindByExternalID(ctx context.Context, externalSubscriptionID string) (*domain.Subscription, error) {
	if externalSubscriptionID == "" {
		return nil, domain.ErrNotFound
	}
	filter := bson.M{"external_subscription_id": externalSubscriptionID}
	return r.findOne(ctx, filter, newestFirst(), "failed to get subscription by external id")
}

func (r *MongoSubscriptionRepository) FindLatestByExternalCustomerID(ctx context.Context, externalCustomerID string) (*domain.Subscription, error) {
	if externalCustomerID == "" {
		return nil, domain.ErrNotFound
	}
	filter := bson.M{"external_customer_id": externalCustomerID}
	return r.findOne(ctx, filter, newestFirst(), "failed to get subscription by customer id")
}

// UpdateStatus applies change only if the stored version still equals expectedVersion.
// A miss is disambiguated into ErrNotFound or ErrStaleWrite with a second read.
func (r *MongoSubscriptionRepository) UpdateStatus(ctx context.Context, id string, expectedVersion int64, change domain.StatusChange) (*domain.Subscription, error) {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, domain.ErrNotFound
	}

	set := bson.M{
		"status":     string(change.To),
		"updated_at": time.Now().UTC(),
	}
	if change.StartDate != nil {
		set["start_date"] = *change.StartDate
	}
	if change.EndDate != nil {
		set["end_date"] = *change.EndDate
	}
	if change.NextBillingDate != nil {
		set["next_billing_date"] = *change.NextBillingDate
	}
	if change.AutoRenew != nil {
		set["auto_renew"] = *change.AutoRenew
	}
	if change.ExternalSubscriptionID != "" {
		set["external_subscription_id"] = change.ExternalSubscriptionID
	}
	if change.ExternalCustomerID != "" {
		set["external_customer_id"] = change.ExternalCustomerID
	}

	filter := bson.M{"_id": objID, "version": expectedVersion}
	update := bson.M{
		"$set": set,
		"$inc": bson.M{"version": int64(1)},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var raw bson.M
	err = r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&raw)
	if err == nil {
		return mapBsonToSubscription(raw), nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("user already has another active subscription: %w", domain.ErrConflict)
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to update subscription status: %w", err)
	}

	count, err := r.collection.CountDocuments(ctx, bson.M{"_id": objID})
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription existence: %w", err)
	}
	if count == 0 {
		return nil, domain.ErrNotFound
	}
	return nil, domain.ErrStaleWrite
}

func (r *MongoSubscriptionRepository) ListByStatuses(ctx context.Context, statuses ...domain.SubscriptionStatus) ([]*domain.Subscription, error) {
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}
	filter := bson.M{"status": bson.M{"$in": values}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	return r.findMany(ctx, filter, opts, "failed to list subscriptions by status")
}

// ListExpiring returns active subscriptions with auto-renew off whose end date has passed.
func (r *MongoSubscriptionRepository) ListExpiring(ctx context.Context, now time.Time) ([]*domain.Subscription, error) {
	filter := bson.M{
		"status":     string(domain.StatusActive),
		"auto_renew": false,
		"end_date":   bson.M{"$lt": now.UTC()},
	}
	opts := options.Find().SetSort(bson.D{{Key: "end_date", Value: 1}})
	return r.findMany(ctx, filter, opts, "failed to list expiring subscriptions")
}

func (r *MongoSubscriptionRepository) List(ctx context.Context, f domain.SubscriptionFilter) ([]*domain.Subscription, int64, error) {
	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}

	total, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}

	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))

	subs, err := r.findMany(ctx, filter, opts, "failed to list subscriptions")
	if err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

func (r *MongoSubscriptionRepository) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptions, msg string) (*domain.Subscription, error) {
	if opts == nil {
		opts = options.FindOne()
	}
	var raw bson.M
	if err := r.collection.FindOne(ctx, filter, opts).Decode(&raw); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	return mapBsonToSubscription(raw), nil
}

func (r *MongoSubscriptionRepository) findMany(ctx context.Context, filter bson.M, opts *options.FindOptions, msg string) ([]*domain.Subscription, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	defer cursor.Close(ctx)

	subs := make([]*domain.Subscription, 0)
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, err
		}
		subs = append(subs, mapBsonToSubscription(raw))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	return subs, nil
}

func newestFirst() *options.FindOneOptions {
	return options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
}

func mapBsonToSubscription(raw bson.M) *domain.Subscription {
	sub := &domain.Subscription{}

	if oid, ok := raw["_id"].(primitive.ObjectID); ok {
		sub.ID = oid.Hex()
	}
	if userID, ok := raw["user_id"].(string); ok {
		sub.UserID = userID
	}
	if extID, ok := raw["external_subscription_id"].(string); ok {
		sub.ExternalSubscriptionID = extID
	}
	if custID, ok := raw["external_customer_id"].(string); ok {
		sub.ExternalCustomerID = custID
	}
	if status, ok := raw["status"].(string); ok {
		sub.Status = domain.SubscriptionStatus(status)
	}
	sub.StartDate = toTime(raw["start_date"])
	sub.EndDate = toTime(raw["end_date"])
	sub.NextBillingDate = toTime(raw["next_billing_date"])
	sub.Amount = toFloat64(raw["amount"])
	if currency, ok := raw["currency"].(string); ok {
		sub.Currency = currency
	}
	if autoRenew, ok := raw["auto_renew"].(bool); ok {
		sub.AutoRenew = autoRenew
	}
	if meta := toM(raw["metadata"]); meta != nil {
		sub.Metadata.ProratedAmount = toFloat64(meta["prorated_amount"])
		sub.Metadata.DaysRemaining = int(toInt64(meta["days_remaining"]))
		sub.Metadata.DiscountPercent = toInt64(meta["discount_percent"])
		if anchor, ok := meta["renewal_anchor"].(bool); ok {
			sub.Metadata.RenewalAnchor = anchor
		}
		if coupon, ok := meta["coupon_id"].(string); ok {
			sub.Metadata.CouponID = coupon
		}
		if session, ok := meta["checkout_session_id"].(string); ok {
			sub.Metadata.CheckoutSessionID = session
		}
	}
	sub.Version = toInt64(raw["version"])
	sub.CreatedAt = toTime(raw["created_at"])
	sub.UpdatedAt = toTime(raw["updated_at"])

	return sub
}

func toM(v interface{}) bson.M {
	switch doc := v.(type) {
	case bson.M:
		return doc
	case bson.D:
		m := make(bson.M, len(doc))
		for _, e := range doc {
			m[e.Key] = e.Value
		}
		return m
	}
	return nil
}

func toTime(v interface{}) time.Time {
	if dt, ok := v.(primitive.DateTime); ok {
		return dt.Time().UTC()
	}
	return time.Time{}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

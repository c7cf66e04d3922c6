package repository

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mansoorceksport/subscriptions/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoUserRepository implements domain.UserRepository
type MongoUserRepository struct {
	collection *mongo.Collection
}

func NewMongoUserRepository(db *mongo.Database) *MongoUserRepository {
	coll := db.Collection("users")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "external_customer_id", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{Keys: bson.D{{Key: "role", Value: 1}}},
	}); err != nil {
		log.Printf("[Repository] Failed to create user indexes: %v", err)
	}

	return &MongoUserRepository{
		collection: coll,
	}
}

// Create inserts a user. Accounts are owned by the identity service; this is used for seeding and tests.
func (r *MongoUserRepository) Create(ctx context.Context, user *domain.User) error {
	user.UpdatedAt = time.Now().UTC()
	if user.Role == "" {
		user.Role = domain.RoleUser
	}
	objID := primitive.NewObjectID()

	doc := bson.M{
		"_id":        objID,
		"email":      user.Email,
		"name":       user.Name,
		"role":       user.Role,
		"updated_at": user.UpdatedAt,
	}
	if user.ExternalCustomerID != "" {
		doc["external_customer_id"] = user.ExternalCustomerID
	}

	_, err := r.collection.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	user.ID = objID.Hex()
	return nil
}

func (r *MongoUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, domain.ErrNotFound
	}

	var raw bson.M
	if err := r.collection.FindOne(ctx, bson.M{"_id": objID}).Decode(&raw); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return mapBsonToUser(raw), nil
}

// UpdateRole writes the projected role and the subscription back-reference.
// Admin accounts are left untouched.
func (r *MongoUserRepository) UpdateRole(ctx context.Context, userID, role, subscriptionID string) error {
	objID, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return domain.ErrNotFound
	}

	set := bson.M{
		"role":       role,
		"updated_at": time.Now().UTC(),
	}
	if subscriptionID != "" {
		set["subscription_id"] = subscriptionID
	}

	// Admins keep their role whatever their subscription does.
	filter := bson.M{"_id": objID, "role": bson.M{"$ne": domain.RoleAdmin}}
	res, err := r.collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update user role: %w", err)
	}
	if res.MatchedCount == 0 {
		count, err := r.collection.CountDocuments(ctx, bson.M{"_id": objID})
		if err != nil {
			return fmt.Errorf("failed to update user role: %w", err)
		}
		if count == 0 {
			return domain.ErrNotFound
		}
	}
	return nil
}

// SetExternalCustomerID stores the provider customer id unless one is already set.
// Setting the same id again is a no-op; a different id is a conflict.
func (r *MongoUserRepository) SetExternalCustomerID(ctx context.Context, userID, customerID string) error {
	objID, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return domain.ErrNotFound
	}

	filter := bson.M{
		"_id": objID,
		"$or": bson.A{
			bson.M{"external_customer_id": bson.M{"$exists": false}},
			bson.M{"external_customer_id": ""},
		},
	}
	update := bson.M{"$set": bson.M{
		"external_customer_id": customerID,
		"updated_at":           time.Now().UTC(),
	}}

	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to set external customer id: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	user, err := r.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.ExternalCustomerID != customerID {
		return fmt.Errorf("user %s already linked to customer %s: %w", userID, user.ExternalCustomerID, domain.ErrConflict)
	}
	return nil
}

// ListIDsByRole returns the ids of every user holding role
func (r *MongoUserRepository) ListIDsByRole(ctx context.Context, role string) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	cursor, err := r.collection.Find(ctx, bson.M{"role": role}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list users by role: %w", err)
	}
	defer cursor.Close(ctx)

	ids := make([]string, 0)
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, err
		}
		if oid, ok := raw["_id"].(primitive.ObjectID); ok {
			ids = append(ids, oid.Hex())
		}
	}
	return ids, cursor.Err()
}

func mapBsonToUser(raw bson.M) *domain.User {
	user := &domain.User{}
	if oid, ok := raw["_id"].(primitive.ObjectID); ok {
		user.ID = oid.Hex()
	}
	if email, ok := raw["email"].(string); ok {
		user.Email = email
	}
	if name, ok := raw["name"].(string); ok {
		user.Name = name
	}
	if role, ok := raw["role"].(string); ok {
		user.Role = role
	}
	if cust, ok := raw["external_customer_id"].(string); ok {
		user.ExternalCustomerID = cust
	}
	if subID, ok := raw["subscription_id"].(string); ok {
		user.SubscriptionID = subID
	}
	user.UpdatedAt = toTime(raw["updated_at"])
	return user
}

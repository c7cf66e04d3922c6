package domain

import (
	"context"
	"time"
)

// User is the slice of the user account this service reads and writes.
// Identity itself is owned elsewhere; only Role, ExternalCustomerID and SubscriptionID are written here.
type User struct {
	ID                 string    `bson:"_id,omitempty" json:"id"`
	Email              string    `bson:"email" json:"email"`
	Name               string    `bson:"name" json:"name"`
	Role               string    `bson:"role" json:"role"`
	ExternalCustomerID string    `bson:"external_customer_id,omitempty" json:"externalCustomerId,omitempty"`
	SubscriptionID     string    `bson:"subscription_id,omitempty" json:"subscriptionId,omitempty"`
	UpdatedAt          time.Time `bson:"updated_at" json:"updatedAt"`
}

// Role constants
const (
	RoleUser       = "user"
	RoleSubscriber = "subscriber"
	RoleAdmin      = "admin"
)

// RoleForStatus projects a subscription status onto the user's role.
func RoleForStatus(status SubscriptionStatus) string {
	switch status {
	case StatusActive, StatusPending:
		return RoleSubscriber
	default:
		return RoleUser
	}
}

// UserRepository is the user collaborator as seen by the subscription core.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	// UpdateRole writes the derived role and the subscription back-reference.
	UpdateRole(ctx context.Context, userID, role, subscriptionID string) error
	// SetExternalCustomerID stores the provider customer id unless one is already set.
	SetExternalCustomerID(ctx context.Context, userID, customerID string) error
	ListIDsByRole(ctx context.Context, role string) ([]string, error)
}

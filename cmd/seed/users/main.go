package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/mansoorceksport/subscriptions/internal/config"
	"github.com/mansoorceksport/subscriptions/internal/domain"
	"github.com/mansoorceksport/subscriptions/internal/repository"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Seeds local accounts for trying the checkout flow. Identity normally lives in another service.
func main() {
	email := flag.String("email", "buyer@example.com", "Email of the demo buyer")
	withAdmin := flag.Bool("admin", true, "Also create an admin account for the listing endpoint")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDB.URI))
	if err != nil {
		log.Fatalf("Failed to connect to Mongo: %v", err)
	}
	defer client.Disconnect(ctx)

	repo := repository.NewMongoUserRepository(client.Database(cfg.MongoDB.Database))

	users := []*domain.User{{Email: *email, Name: "Demo Buyer", Role: domain.RoleUser}}
	if *withAdmin {
		users = append(users, &domain.User{Email: "admin@example.com", Name: "Billing Admin", Role: domain.RoleAdmin})
	}

	for _, u := range users {
		if err := repo.Create(ctx, u); err != nil {
			log.Printf("Failed to create %s: %v", u.Email, err)
			continue
		}
		fmt.Printf("Created %-8s %s (id: %s)\n", u.Role, u.Email, u.ID)
	}
}

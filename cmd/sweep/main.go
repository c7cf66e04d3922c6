package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mansoorceksport/subscriptions/internal/config"
	"github.com/mansoorceksport/subscriptions/internal/domain"
	"github.com/mansoorceksport/subscriptions/internal/server"
	"github.com/mansoorceksport/subscriptions/internal/service"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	job := flag.String("job", "", "Sweep to run: expiry or drift (required)")
	dryRun := flag.Bool("dry-run", false, "List the records the sweep would visit without changing anything")
	timeout := flag.Duration("timeout", 10*time.Minute, "Upper bound for the whole run")
	flag.Parse()

	if *job != service.JobExpiry && *job != service.JobDrift {
		fmt.Println("Usage: sweep -job <expiry|drift> [-dry-run] [-timeout 10m]")
		fmt.Println("\nRuns one reconciliation pass outside the server's schedule.")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDB.URI))
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(context.Background())

	// The cache is optional here; a stale entry expires on its own
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis unavailable, cache will not be invalidated: %v", err)
		redisClient = nil
	}

	svcs := server.NewServices(server.AppDependencies{
		Config:      cfg,
		MongoDB:     client.Database(cfg.MongoDB.Database),
		RedisClient: redisClient,
		Gateway:     service.NewBillingGateway(cfg.Gateway, cfg.Billing),
	})
	sweeps := svcs.Sweeps

	if *dryRun {
		var candidates []*domain.Subscription
		if *job == service.JobExpiry {
			candidates, err = sweeps.ExpiryCandidates(ctx)
		} else {
			candidates, err = sweeps.DriftCandidates(ctx)
		}
		if err != nil {
			log.Fatalf("Failed to list candidates: %v", err)
		}

		fmt.Printf("🏃 DRY RUN - %s sweep would visit %d records\n\n", *job, len(candidates))
		for _, sub := range candidates {
			fmt.Printf("  %s  user=%s  status=%s  autoRenew=%t  end=%s  external=%s\n",
				sub.ID, sub.UserID, sub.Status, sub.AutoRenew, sub.EndDate.Format("2006-01-02"), sub.ExternalSubscriptionID)
		}
		return
	}

	var res *service.SweepResult
	if *job == service.JobExpiry {
		res, err = sweeps.RunExpirySweep(ctx)
	} else {
		res, err = sweeps.RunDriftSync(ctx)
	}
	if err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}

	fmt.Printf("✅ %s sweep finished in %s\n", res.Job, res.Duration.Round(time.Millisecond))
	fmt.Printf("   Visited:        %d\n", res.Visited)
	fmt.Printf("   Transitioned:   %d\n", res.Transitioned)
	fmt.Printf("   Skipped:        %d\n", res.Skipped)
	fmt.Printf("   Failed:         %d\n", res.Failed)
	fmt.Printf("   Roles repaired: %d\n", res.RolesRepaired)
	if res.Failed > 0 {
		os.Exit(2)
	}
}

// outbox-requeue puts DEAD (and optionally stuck FAILED) order events back in
// front of the dispatcher. The dispatcher never retries DEAD rows on its own;
// this tool is the manual escape hatch once the underlying Pub/Sub problem is
// fixed.
//
// Usage (from backend directory):
//   DB_USER=... DB_NAME=... go run ./cmd/outbox-requeue            # requeue DEAD rows
//   ... go run ./cmd/outbox-requeue -include-failed                # also reset FAILED backoff
//   ... go run ./cmd/outbox-requeue -order 42                      # limit to one order
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/shop_backend/config"
	"bitbucket.org/mmdatafocus/shop_backend/models"
	"bitbucket.org/mmdatafocus/shop_backend/utils"
)

func main() {
	includeFailed := flag.Bool("include-failed", false, "also reset FAILED rows waiting on backoff")
	orderId := flag.Int("order", 0, "limit to a single order id (0 = all)")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	statuses := []string{models.OrderEventPublishStatusDead}
	if *includeFailed {
		statuses = append(statuses, models.OrderEventPublishStatusFailed)
	}

	query := db.Model(&models.OrderEvent{}).Where("publish_status IN ?", statuses)
	if *orderId > 0 {
		if err := utils.ValidateResourceId[models.Order](context.Background(), *orderId); err != nil {
			fmt.Fprintf(os.Stderr, "order %d not found\n", *orderId)
			os.Exit(1)
		}
		query = query.Where("order_id = ?", *orderId)
	}

	now := time.Now().UTC()
	result := query.Updates(map[string]interface{}{
		"publish_status":     models.OrderEventPublishStatusFailed,
		"publish_attempts":   0,
		"next_attempt_at":    now,
		"locked_at":          nil,
		"locked_by":          nil,
		"last_publish_error": nil,
	})
	if result.Error != nil {
		fmt.Fprintf(os.Stderr, "requeue failed: %v\n", result.Error)
		os.Exit(1)
	}

	fmt.Printf("requeued %d order event(s)\n", result.RowsAffected)
}

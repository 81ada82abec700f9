// outbox-requeue reverts DEAD or FAILED parse-outbox records to PENDING so
// the dispatcher picks them up again. Bulk counterpart of the replay
// endpoint, for incidents where many records died at once.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/intake_backend/config"
	"bitbucket.org/mmdatafocus/intake_backend/models"
	"bitbucket.org/mmdatafocus/intake_backend/workflow"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	recordID := flag.Int("record-id", 0, "Single record to requeue (0 = all DEAD/FAILED records)")
	dryRun := flag.Bool("dry-run", true, "List matching records only (no writes)")
	confirm := flag.String("confirm", "", "Type REQUEUE to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "REQUEUE" {
		fmt.Fprintln(os.Stderr, "set --confirm=REQUEUE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	ctx := context.Background()

	q := db.Model(&models.ParseOutboxRecord{}).
		Where("business_id = ? AND publish_status IN ?", *businessID,
			[]models.OutboxPublishStatus{models.OutboxPublishDead, models.OutboxPublishFailed})
	if *recordID > 0 {
		q = q.Where("id = ?", *recordID)
	}

	var records []models.ParseOutboxRecord
	if err := q.Order("id ASC").Find(&records).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list records: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("no matching records")
		return
	}

	if *dryRun {
		for _, rec := range records {
			lastErr := ""
			if rec.LastPublishError != nil {
				lastErr = *rec.LastPublishError
			}
			fmt.Printf("record %d draft=%d status=%s attempts=%d error=%q\n",
				rec.ID, rec.DraftId, rec.PublishStatus, rec.PublishAttempts, lastErr)
		}
		fmt.Printf("%d record(s) would be requeued (rerun with --dry-run=false --confirm=REQUEUE)\n", len(records))
		return
	}

	requeued := 0
	for _, rec := range records {
		if err := workflow.RequeueDeadOutboxRecord(ctx, db, *businessID, rec.ID); err != nil {
			fmt.Fprintf(os.Stderr, "failed to requeue record %d: %v\n", rec.ID, err)
			os.Exit(1)
		}
		requeued++
	}
	fmt.Printf("requeued %d record(s)\n", requeued)
}

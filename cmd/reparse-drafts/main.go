// reparse-drafts queues a fresh parse pass for non-terminal drafts of one
// business, either a single draft or every draft stuck in received/parsing/
// draft. It only inserts outbox records; the dispatcher and parse handler do
// the rest.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/intake_backend/config"
	"bitbucket.org/mmdatafocus/intake_backend/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	draftID := flag.Int("draft-id", 0, "Single draft to reparse (0 = all non-terminal drafts)")
	dryRun := flag.Bool("dry-run", true, "List matching drafts only (no writes)")
	confirm := flag.String("confirm", "", "Type REPARSE to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "REPARSE" {
		fmt.Fprintln(os.Stderr, "set --confirm=REPARSE to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	q := db.Model(&models.DocumentDraft{}).
		Where("business_id = ? AND status IN ?", *businessID,
			[]models.DraftStatus{models.DraftStatusReceived, models.DraftStatusParsing, models.DraftStatusDraft})
	if *draftID > 0 {
		q = q.Where("id = ?", *draftID)
	}

	var drafts []models.DocumentDraft
	if err := q.Order("id ASC").Find(&drafts).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list drafts: %v\n", err)
		os.Exit(1)
	}
	if len(drafts) == 0 {
		fmt.Println("no matching drafts")
		return
	}

	if *dryRun {
		for _, d := range drafts {
			fmt.Printf("draft %d status=%s channel=%s hash=%s\n", d.ID, d.Status, d.Channel, d.RawContentHash)
		}
		fmt.Printf("%d draft(s) would be queued (rerun with --dry-run=false --confirm=REPARSE)\n", len(drafts))
		return
	}

	queued := 0
	err := db.Transaction(func(tx *gorm.DB) error {
		for _, d := range drafts {
			record := models.ParseOutboxRecord{
				BusinessId:    d.BusinessId,
				DraftId:       d.ID,
				Channel:       string(d.Channel),
				PublishStatus: models.OutboxPublishPending,
				CorrelationId: uuid.NewString(),
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
			queued++
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to queue parse jobs: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("queued %d parse job(s)\n", queued)
}

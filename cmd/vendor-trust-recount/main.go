// vendor-trust-recount rebuilds each vendor's posted-document counter from
// the drafts table and re-derives the trust state from the recounted value.
// Use after manual data surgery, or when counters drifted from a bug.
//
// Blocked vendors are never touched.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/config"
	"bitbucket.org/mmdatafocus/intake_backend/models"
	"gorm.io/gorm"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	dryRun := flag.Bool("dry-run", true, "Show corrections only (no writes)")
	confirm := flag.String("confirm", "", "Type RECOUNT to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "RECOUNT" {
		fmt.Fprintln(os.Stderr, "set --confirm=RECOUNT to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	var vendors []models.VendorProfile
	if err := db.Where("business_id = ?", *businessID).Order("id ASC").Find(&vendors).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list vendors: %v\n", err)
		os.Exit(1)
	}

	corrected := 0
	for _, v := range vendors {
		if v.TrustState == models.TrustStateBlocked {
			continue
		}

		var posted int64
		if err := db.Model(&models.DocumentDraft{}).
			Where("business_id = ? AND vendor_profile_id = ? AND status = ?", *businessID, v.ID, models.DraftStatusPosted).
			Count(&posted).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to count drafts for vendor %d: %v\n", v.ID, err)
			os.Exit(1)
		}

		state := models.TrustStateUnverified
		if int(posted) >= v.EffectiveTrustThreshold() {
			state = models.TrustStateTrusted
		} else if posted > 0 {
			state = models.TrustStateLearning
		}

		if int(posted) == v.TotalPosted && state == v.TrustState {
			continue
		}

		fmt.Printf("vendor %d %q: total_posted %d -> %d, trust_state %s -> %s\n",
			v.ID, v.Name, v.TotalPosted, posted, v.TrustState, state)
		corrected++
		if *dryRun {
			continue
		}

		updates := map[string]interface{}{
			"total_posted": posted,
			"trust_state":  state,
		}
		if state == models.TrustStateTrusted {
			// Promotion mirrors the posting path.
			updates["auto_post_enabled"] = true
			if v.TrustThresholdMetAt == nil {
				now := time.Now().UTC()
				updates["trust_threshold_met_at"] = &now
			}
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			return tx.Model(&models.VendorProfile{}).
				Where("business_id = ? AND id = ? AND trust_state <> ?", *businessID, v.ID, models.TrustStateBlocked).
				Updates(updates).Error
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to update vendor %d: %v\n", v.ID, err)
			os.Exit(1)
		}
	}

	if *dryRun {
		fmt.Printf("%d vendor(s) would be corrected (rerun with --dry-run=false --confirm=RECOUNT)\n", corrected)
		return
	}
	fmt.Printf("corrected %d vendor(s)\n", corrected)
}

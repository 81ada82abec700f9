package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireBusinessDocumentLock serializes document processing per business
// across instances using MySQL advisory locks. The Redis lock in the HTTP
// layer is only an optimization; this is the one that correctness can lean
// on.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB (transaction) that will do the processing.
func AcquireBusinessDocumentLock(tx *gorm.DB, businessId string) error {
	lockName := fmt.Sprintf("intake:%s", businessId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire document lock for business_id=%s", businessId)
	}
	return nil
}

func ReleaseBusinessDocumentLock(tx *gorm.DB, businessId string) {
	lockName := fmt.Sprintf("intake:%s", businessId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}

package workflow

import (
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// HandlerParseDocument is the idempotency handler name for the parse worker.
const HandlerParseDocument = "parse_document"

// A STARTED row younger than this belongs to a live worker; older rows are
// treated as crashed and retried.
const idempotencyStaleAfter = 5 * time.Minute

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// BeginIdempotency inserts STARTED for (businessId, handlerName, messageId).
// Returns skip=true when the message already SUCCEEDED; returns
// ErrIdempotencyInProgress when another worker holds a fresh STARTED row, so
// the queue should redeliver later.
func BeginIdempotency(tx *gorm.DB, businessId string, handlerName string, messageId string) (skip bool, err error) {
	key := models.IdempotencyKey{
		BusinessId:  businessId,
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	createErr := tx.Create(&key).Error
	if createErr == nil {
		return false, nil
	}
	if !isDuplicateKeyErr(createErr) {
		return false, createErr
	}

	var existing models.IdempotencyKey
	if err := tx.Where("business_id = ? AND handler_name = ? AND message_id = ?", businessId, handlerName, messageId).
		First(&existing).Error; err != nil {
		return false, err
	}

	if existing.Status == models.IdempotencyStatusSucceeded {
		return true, nil
	}
	if existing.Status == models.IdempotencyStatusStarted && time.Since(existing.UpdatedAt) < idempotencyStaleAfter {
		return false, ErrIdempotencyInProgress
	}

	// FAILED or stale STARTED: take the row over and retry.
	return false, tx.Model(&models.IdempotencyKey{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func MarkIdempotencySucceeded(tx *gorm.DB, businessId string, handlerName string, messageId string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("business_id = ? AND handler_name = ? AND message_id = ?", businessId, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, businessId string, handlerName string, messageId string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("business_id = ? AND handler_name = ? AND message_id = ?", businessId, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}

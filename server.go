package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/intake_backend/config"
	"bitbucket.org/mmdatafocus/intake_backend/intake"
	"bitbucket.org/mmdatafocus/intake_backend/middlewares"
	"bitbucket.org/mmdatafocus/intake_backend/models"
	"bitbucket.org/mmdatafocus/intake_backend/models/reports"
	"bitbucket.org/mmdatafocus/intake_backend/utils"
	"bitbucket.org/mmdatafocus/intake_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// checkWebhookBasicAuth verifies the mail relay's basic-auth credentials
// against the configured pairs. Two pairs are accepted so credentials can be
// rotated without dropping deliveries.
func checkWebhookBasicAuth(c *gin.Context) (configured bool, ok bool) {
	pairs := config.InboundWebhookCredentials()
	user, pass, hasAuth := c.Request.BasicAuth()
	for _, pair := range pairs {
		if pair[0] == "" {
			continue
		}
		configured = true
		if !hasAuth {
			continue
		}
		userOk := subtle.ConstantTimeCompare([]byte(user), []byte(pair[0])) == 1
		passOk := subtle.ConstantTimeCompare([]byte(pass), []byte(pair[1])) == 1
		if userOk && passOk {
			ok = true
		}
	}
	return configured, ok
}

func webhookRateLimit() int64 {
	v := strings.TrimSpace(os.Getenv("WEBHOOK_RATE_LIMIT_PER_MINUTE"))
	if v == "" {
		return 60
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 60
	}
	return n
}

// inboundEmailHandler receives Postmark-style inbound email deliveries from
// the mail relay. Unknown mailbox tokens and duplicates are acknowledged with
// 200 so the relay does not retry them.
func inboundEmailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		configured, ok := checkWebhookBasicAuth(c)
		if !configured {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "inbound webhook credentials not configured"})
			return
		}
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="inbound-webhook"`)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "inboundEmailHandler", "io.ReadAll", nil, err)
			c.JSON(http.StatusBadRequest, gin.H{"received": false, "reason": intake.ReasonMalformedJson})
			return
		}

		doc, err := intake.ParsePostmarkPayload(body)
		if err != nil {
			var payloadErr *intake.PostmarkPayloadError
			if errors.As(err, &payloadErr) {
				c.JSON(http.StatusBadRequest, gin.H{"received": false, "reason": payloadErr.Reason})
				return
			}
			config.LogError(logger, "server.go", "inboundEmailHandler", "ParsePostmarkPayload", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"received": false})
			return
		}

		// Fixed-window limit per mailbox token. A misbehaving relay or a
		// forwarding loop must not be able to flood one inbox.
		count, err := config.IncrRedisWindow(c.Request.Context(), "webhook:"+doc.MailboxToken, time.Minute)
		if err != nil {
			// Redis being down must not drop mail; log and continue.
			config.LogError(logger, "server.go", "inboundEmailHandler", "IncrRedisWindow", doc.MailboxToken, err)
		} else if count > webhookRateLimit() {
			c.JSON(http.StatusTooManyRequests, gin.H{"received": false, "reason": "rate_limited"})
			return
		}

		result, err := intake.IngestInbound(c.Request.Context(), doc)
		if err != nil {
			config.LogError(logger, "server.go", "inboundEmailHandler", "IngestInbound", doc.MessageID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"received": false})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

// parsePubSubHandler is the Pub/Sub push endpoint for parse jobs. Malformed
// payloads are acked with 204 so a poisoned message cannot retry forever;
// only retryable processing failures return non-2xx.
func parsePubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage
		logger := config.GetLogger()

		// Redis lock is a best-effort optimization. Correctness does not
		// depend on it: the parse handler is idempotent per draft.
		redisLock := config.GetRedisLock()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "parsePubSubHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "parsePubSubHandler", "Unmarshal body", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var m config.ParseJobMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "parsePubSubHandler", "Unmarshal parse job", msg.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}

		if m.BusinessId == "" || m.DraftId <= 0 {
			config.LogError(logger, "server.go", "parsePubSubHandler", "Invalid parse job (missing required fields)", m, fmt.Errorf("business_id/draft_id required"))
			c.Status(http.StatusNoContent)
			return
		}

		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = msg.Message.ID
		}

		var lock *redislock.Lock
		if redisLock == nil {
			logger.WithFields(logrus.Fields{
				"field":       "parsePubSubHandler",
				"business_id": m.BusinessId,
				"draft_id":    m.DraftId,
				"message_id":  msg.Message.ID,
			}).Warn("redis lock not ready; proceeding without redis lock")
		} else {
			lock, err = redisLock.Obtain(c.Request.Context(), fmt.Sprintf("lock:%s", m.BusinessId), 30*time.Second, nil)
			if err == redislock.ErrNotObtained {
				logger.WithFields(logrus.Fields{
					"field":       "parsePubSubHandler",
					"business_id": m.BusinessId,
					"draft_id":    m.DraftId,
					"message_id":  msg.Message.ID,
				}).Warn("could not obtain redis lock; proceeding without redis lock")
				lock = nil
			} else if err != nil {
				logger.WithFields(logrus.Fields{
					"field":       "parsePubSubHandler",
					"business_id": m.BusinessId,
					"draft_id":    m.DraftId,
					"message_id":  msg.Message.ID,
				}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
				lock = nil
			}
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(c.Request.Context()); releaseErr != nil {
				logger.WithFields(logrus.Fields{
					"field":       "parsePubSubHandler",
					"business_id": m.BusinessId,
					"draft_id":    m.DraftId,
					"message_id":  msg.Message.ID,
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		ctx := context.WithValue(c.Request.Context(), utils.ContextKeyBusinessId, m.BusinessId)
		ctx = context.WithValue(ctx, utils.ContextKeyUserId, workflow.SystemUserId)
		ctx = context.WithValue(ctx, utils.ContextKeyUserName, "System")
		ctx = utils.SetCorrelationIdInContext(ctx, correlationID)
		if err := workflow.ProcessParseJob(ctx, config.GetDB(), logger, m); err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "parsePubSubHandler",
				"business_id":    m.BusinessId,
				"draft_id":       m.DraftId,
				"message_id":     msg.Message.ID,
				"correlation_id": correlationID,
			}).Error("pubsub processing failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

func authorizeInternalBusiness(ctx context.Context, businessId string) error {
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return errors.New("unauthorized")
	}
	if businessId == "" {
		return errors.New("business_id is required")
	}

	var user models.User
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return err
	}
	if !exists {
		db := config.GetDB()
		if db == nil {
			return errors.New("db is nil")
		}
		if err := db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Take(&user).Error; err != nil {
			return errors.New("unauthorized")
		}
	}

	if user.Role == models.UserRoleAdmin {
		return nil
	}
	if user.BusinessId != businessId {
		return errors.New("unauthorized")
	}
	return nil
}

func authorizeAdminOnly(ctx context.Context) error {
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return errors.New("unauthorized")
	}

	var user models.User
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return err
	}
	if !exists {
		db := config.GetDB()
		if db == nil {
			return errors.New("db is nil")
		}
		if err := db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Take(&user).Error; err != nil {
			return errors.New("unauthorized")
		}
	}
	if user.Role != models.UserRoleAdmin {
		return errors.New("unauthorized")
	}
	return nil
}

// currentUserId resolves the acting user for audit stamps on manual actions.
func currentUserId(ctx context.Context) (int, error) {
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return 0, errors.New("unauthorized")
	}
	user, err := models.GetUserByUsername(ctx, username)
	if err != nil {
		return 0, errors.New("unauthorized")
	}
	return user.ID, nil
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
			return
		}
		token, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	}
}

type outboxReplayRequest struct {
	BusinessId string `json:"business_id"`
	RecordId   int    `json:"record_id"`
}

func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.BusinessId == "" || req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and record_id are required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		if err := workflow.RequeueDeadOutboxRecord(c.Request.Context(), db, req.BusinessId, req.RecordId); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"business_id":    req.BusinessId,
			"record_id":      req.RecordId,
			"publish_status": models.OutboxPublishPending,
		})
	}
}

type draftActionRequest struct {
	BusinessId string `json:"business_id"`
	DraftId    int    `json:"draft_id"`
}

// reparseDraftHandler queues another parse pass for a non-terminal draft by
// inserting a fresh outbox record. The parse handler itself decides what is
// still parseable.
func reparseDraftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req draftActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := authorizeInternalBusiness(c.Request.Context(), req.BusinessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if req.DraftId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "draft_id is required"})
			return
		}

		ctx := c.Request.Context()
		draft, err := models.GetDocumentDraft(ctx, req.BusinessId, req.DraftId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "document draft not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if draft.Status.IsTerminal() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "posted or rejected drafts cannot be reparsed"})
			return
		}
		if draft.RawObjectKey != "" {
			exists, err := utils.ObjectExistsInGCS(ctx, draft.RawObjectKey)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if !exists {
				c.JSON(http.StatusConflict, gin.H{"error": "raw document object no longer exists in storage"})
				return
			}
		}

		correlationId, ok := utils.GetCorrelationIdFromContext(ctx)
		if !ok || correlationId == "" {
			correlationId = uuid.NewString()
		}
		record := &models.ParseOutboxRecord{
			BusinessId:    req.BusinessId,
			DraftId:       draft.ID,
			Channel:       string(draft.Channel),
			PublishStatus: models.OutboxPublishPending,
			CorrelationId: correlationId,
		}
		if err := config.GetDB().WithContext(ctx).Create(record).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"business_id": req.BusinessId,
			"draft_id":    draft.ID,
			"record_id":   record.ID,
		})
	}
}

// importJSONHandler is the structured (non-email) intake path. The mailbox
// token in the query routes the document to its business, same as the
// email channel.
func importJSONHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		token := strings.TrimSpace(c.Query("mailbox_token"))
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mailbox_token is required"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"received": false, "reason": intake.ReasonMalformedJson})
			return
		}
		doc, err := intake.BuildJSONDocument(body, token)
		if err != nil {
			var payloadErr *intake.PostmarkPayloadError
			if errors.As(err, &payloadErr) {
				c.JSON(http.StatusBadRequest, gin.H{"received": false, "reason": payloadErr.Reason})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"received": false})
			return
		}

		result, err := intake.IngestInbound(c.Request.Context(), doc)
		if err != nil {
			config.LogError(logger, "server.go", "importJSONHandler", "IngestInbound", token, err)
			c.JSON(http.StatusInternalServerError, gin.H{"received": false})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

// postDraftHandler posts a pending-review draft on behalf of a reviewer. The
// same posting service the auto-post path uses runs here, so idempotency and
// trust accounting behave identically.
func postDraftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		var req draftActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := authorizeInternalBusiness(c.Request.Context(), req.BusinessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if req.DraftId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "draft_id is required"})
			return
		}

		userId, err := currentUserId(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		svc := workflow.NewPostingService(workflow.NewGormUnitOfWork(config.GetDB()), logger)
		result, err := svc.PostDraft(c.Request.Context(), req.BusinessId, req.DraftId, userId, false)
		if err != nil {
			switch {
			case errors.Is(err, workflow.ErrDraftNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, workflow.ErrDraftNotPostable):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				config.LogError(logger, "server.go", "postDraftHandler", "PostDraft", req, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "posting failed"})
			}
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

func rejectDraftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		var req draftActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := authorizeInternalBusiness(c.Request.Context(), req.BusinessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if req.DraftId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "draft_id is required"})
			return
		}

		userId, err := currentUserId(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		svc := workflow.NewPostingService(workflow.NewGormUnitOfWork(config.GetDB()), logger)
		if err := svc.RejectDraft(c.Request.Context(), req.BusinessId, req.DraftId, userId); err != nil {
			switch {
			case errors.Is(err, workflow.ErrDraftNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, workflow.ErrDraftNotRejectable):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				config.LogError(logger, "server.go", "rejectDraftHandler", "RejectDraft", req, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "rejection failed"})
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"business_id": req.BusinessId,
			"draft_id":    req.DraftId,
			"status":      models.DraftStatusRejected,
		})
	}
}

type blockVendorRequest struct {
	BusinessId      string `json:"business_id"`
	VendorProfileId int    `json:"vendor_profile_id"`
}

func blockVendorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req blockVendorRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := authorizeInternalBusiness(c.Request.Context(), req.BusinessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if req.VendorProfileId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "vendor_profile_id is required"})
			return
		}

		if err := models.BlockVendorProfile(c.Request.Context(), req.BusinessId, req.VendorProfileId); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "vendor profile not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"business_id":       req.BusinessId,
			"vendor_profile_id": req.VendorProfileId,
			"trust_state":       models.TrustStateBlocked,
		})
	}
}

func reviewQueueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := strings.TrimSpace(c.Query("business_id"))
		if err := authorizeInternalBusiness(c.Request.Context(), businessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))

		drafts, err := models.ListPendingReviewDrafts(c.Request.Context(), businessId, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"drafts": drafts})
	}
}

// mailTokenHandler returns the business's inbound routing token so operators
// can configure the mail relay's forwarding address.
func mailTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := strings.TrimSpace(c.Query("business_id"))
		if err := authorizeInternalBusiness(c.Request.Context(), businessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		business, err := models.GetBusinessById(c.Request.Context(), businessId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "business not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"business_id":        business.ID,
			"inbound_mail_token": business.InboundMailToken,
		})
	}
}

func createUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var input models.NewUser
		if err := c.ShouldBindJSON(&input); err != nil {
			var validationErrs validator.ValidationErrors
			if errors.As(err, &validationErrs) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		user, err := models.CreateUser(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user.Password = ""
		c.JSON(http.StatusOK, user)
	}
}

// purgeDraftHandler deletes the stored blobs of a rejected draft (raw body,
// attachments, thumbnails) for retention requests. The draft row itself stays
// for the audit trail.
func purgeDraftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		var req draftActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if req.BusinessId == "" || req.DraftId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and draft_id are required"})
			return
		}

		ctx := c.Request.Context()
		draft, err := models.GetDocumentDraft(ctx, req.BusinessId, req.DraftId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "document draft not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if draft.Status != models.DraftStatusRejected {
			c.JSON(http.StatusBadRequest, gin.H{"error": "only rejected document drafts can be purged"})
			return
		}

		keys := make([]string, 0, 1+2*len(draft.Attachments))
		if draft.RawObjectKey != "" {
			keys = append(keys, draft.RawObjectKey)
		}
		for _, att := range draft.Attachments {
			if att.ObjectKey != "" {
				keys = append(keys, att.ObjectKey)
			}
			if att.ThumbObjectKey != nil && *att.ThumbObjectKey != "" {
				keys = append(keys, *att.ThumbObjectKey)
			}
		}

		deleted := 0
		for _, key := range keys {
			if err := utils.DeleteObjectFromGCS(ctx, key); err != nil {
				config.LogError(logger, "server.go", "purgeDraftHandler", "DeleteObjectFromGCS", key, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "purge failed", "deleted": deleted})
				return
			}
			deleted++
		}

		c.JSON(http.StatusOK, gin.H{
			"business_id": req.BusinessId,
			"draft_id":    req.DraftId,
			"deleted":     deleted,
		})
	}
}

func reviewQueueExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := strings.TrimSpace(c.Query("business_id"))
		if err := authorizeInternalBusiness(c.Request.Context(), businessId); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		if err := reports.ExportReviewQueueExcel(c.Request.Context(), c.Writer, businessId); err != nil {
			config.LogError(config.GetLogger(), "server.go", "reviewQueueExportHandler", "ExportReviewQueueExcel", businessId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
			return
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT_2")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/login", loginHandler())

	// Intake surfaces.
	r.POST("/webhook/inbound-email", inboundEmailHandler())
	r.POST("/pubsub", parsePubSubHandler())

	// Internal review and ops tooling (session-authenticated).
	r.POST("/internal/drafts/post", postDraftHandler())
	r.POST("/internal/drafts/reject", rejectDraftHandler())
	r.POST("/internal/drafts/import-json", importJSONHandler())
	r.POST("/internal/vendors/block", blockVendorHandler())
	r.GET("/internal/drafts/review-queue", reviewQueueHandler())
	r.GET("/internal/ops/review-queue/export", reviewQueueExportHandler())
	r.GET("/internal/ops/mail-token", mailTokenHandler())
	r.POST("/internal/ops/users", createUserHandler())
	r.POST("/internal/ops/drafts/reparse", reparseDraftHandler())
	r.POST("/internal/ops/drafts/purge", purgeDraftHandler())
	// Replay outbox records that were marked DEAD/FAILED (admin only).
	r.POST("/internal/ops/outbox/replay", outboxReplayHandler())

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Optional pull worker; push delivery via /pubsub is the default.
	if strings.EqualFold(strings.TrimSpace(os.Getenv("PARSE_PULL_WORKER_ENABLED")), "true") {
		go RunParseWorker(dispatcherCtx, logger)
	}

	// Without a broker, run parse jobs in-process.
	if shouldRunDirectOutboxProcessor() {
		go NewOutboxDirectProcessor(db, logger).Run(dispatcherCtx)
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

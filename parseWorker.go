package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"bitbucket.org/mmdatafocus/intake_backend/config"
	"bitbucket.org/mmdatafocus/intake_backend/utils"
	"bitbucket.org/mmdatafocus/intake_backend/workflow"
	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
)

var (
	businessMutexMap = make(map[string]*sync.Mutex)
	globalMutex      = &sync.Mutex{}
)

// RunParseWorker pulls parse jobs from the subscription directly. Push
// delivery via /pubsub is the default deployment; the pull worker exists for
// environments without a push endpoint (local dev, the emulator).
func RunParseWorker(ctx context.Context, logger *logrus.Logger) {
	client, err := config.GetClient(ctx)
	if err != nil {
		config.LogError(logger, "parseWorker.go", "RunParseWorker", "get pubsub client", nil, err)
		return
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("PUBSUB_TOPIC"))
	if err != nil {
		config.LogError(logger, "parseWorker.go", "RunParseWorker", "create topic", os.Getenv("PUBSUB_TOPIC"), err)
		return
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("PUBSUB_SUBSCRIPTION"), topic)
	if err != nil {
		config.LogError(logger, "parseWorker.go", "RunParseWorker", "create subscription", os.Getenv("PUBSUB_SUBSCRIPTION"), err)
		return
	}
	// Specify the number of concurrent processes
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.ParseJobMessage{}
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			config.LogError(logger, "parseWorker.go", "RunParseWorker", "Unmarshaling parse job", msg.Data, err)
			// Poisoned payload: ack so it does not redeliver forever.
			msg.Ack()
			return
		}
		if m.BusinessId == "" || m.DraftId <= 0 {
			config.LogError(logger, "parseWorker.go", "RunParseWorker", "Invalid parse job (missing required fields)", m, nil)
			msg.Ack()
			return
		}

		// Serialize per business so one tenant's burst cannot interleave
		// with itself; different tenants still process concurrently.
		globalMutex.Lock()
		mutex, exists := businessMutexMap[m.BusinessId]
		if !exists {
			mutex = &sync.Mutex{}
			businessMutexMap[m.BusinessId] = mutex
		}
		globalMutex.Unlock()

		mutex.Lock()
		defer mutex.Unlock()

		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = msg.ID
		}

		ctx = context.WithValue(ctx, utils.ContextKeyBusinessId, m.BusinessId)
		ctx = context.WithValue(ctx, utils.ContextKeyUserId, workflow.SystemUserId)
		ctx = context.WithValue(ctx, utils.ContextKeyUserName, "System")
		ctx = utils.SetCorrelationIdInContext(ctx, correlationID)
		if err := workflow.ProcessParseJob(ctx, config.GetDB(), logger, m); err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "parseWorker",
				"business_id":    m.BusinessId,
				"draft_id":       m.DraftId,
				"message_id":     msg.ID,
				"correlation_id": correlationID,
			}).Error("pubsub processing failed: " + err.Error())
			msg.Nack()
			return
		}
		msg.Ack()
	}

	if err := sub.Receive(ctx, callback); err != nil {
		config.LogError(logger, "parseWorker.go", "RunParseWorker", "Failed to receive messages", nil, err)
	}
}

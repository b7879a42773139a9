package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/dairy_backend/config"
	"bitbucket.org/mmdatafocus/dairy_backend/models"
	"bitbucket.org/mmdatafocus/dairy_backend/sms"
	"bitbucket.org/mmdatafocus/dairy_backend/utils"
)

// RunNotificationWorkflow consumes queued SMS events from a pull subscription
// and performs the provider send. It is the pull-mode counterpart of the push
// receiver for deployments that are not reachable by a Pub/Sub push endpoint.
// Enable it by setting NOTIFY_PUBSUB_SUBSCRIPTION alongside NOTIFY_PUBSUB_TOPIC.
//
// Messages are always acked: retry scheduling lives on the SmsLog row and the
// outbox dispatcher, not in Pub/Sub redelivery.
func RunNotificationWorkflow(ctx context.Context, provider sms.Provider) error {
	logger := config.GetLogger()
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("NOTIFY_PUBSUB_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("NOTIFY_PUBSUB_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	// Specify the number of concurrent sends
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	callback := func(ctx context.Context, msg *pubsub.Message) {
		defer msg.Ack()

		var event config.NotificationEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			config.LogError(logger, "notificationWorkflow.go", "RunNotificationWorkflow", "unmarshal event", msg.Data, err)
			return
		}
		if event.SmsLogId <= 0 || event.Phone == "" {
			config.LogError(logger, "notificationWorkflow.go", "RunNotificationWorkflow", "invalid event (missing required fields)", event, errors.New("sms_log_id/phone required"))
			return
		}
		if event.CorrelationId != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, event.CorrelationId)
		}

		result, sendErr := provider.SendSMS(ctx, event.Phone, event.Message)
		switch {
		case sendErr == nil:
			if err := models.MarkSmsSent(ctx, event.SmsLogId, result.Provider, result.ProviderMsgId, result.Cost); err != nil {
				config.LogError(logger, "notificationWorkflow.go", "RunNotificationWorkflow", "mark sent", event.SmsLogId, err)
			}
		case sms.IsRejected(sendErr):
			if err := models.MarkSmsRejected(ctx, event.SmsLogId, sendErr.Error()); err != nil {
				config.LogError(logger, "notificationWorkflow.go", "RunNotificationWorkflow", "mark rejected", event.SmsLogId, err)
			}
		default:
			if err := models.MarkSmsFailed(ctx, event.SmsLogId, sendErr.Error(), pushRetryAt(ctx, event.SmsLogId)); err != nil {
				config.LogError(logger, "notificationWorkflow.go", "RunNotificationWorkflow", "mark failed", event.SmsLogId, err)
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"field":        "NotificationWorkflow",
		"subscription": os.Getenv("NOTIFY_PUBSUB_SUBSCRIPTION"),
	}).Info("notification pull worker receiving")
	return sub.Receive(ctx, callback)
}

// notification-dispatcher publishes the notification outbox to Pub/Sub as a standalone worker,
// for deployments that keep OUTBOX_DISPATCHER_ENABLED off in the API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sustainafood/sustainafood_backend/config"
	"github.com/sustainafood/sustainafood_backend/models"
	"github.com/sustainafood/sustainafood_backend/workflow"
)

func main() {
	requeueDead := flag.Bool("requeue-dead", false, "Move DEAD notifications back to PENDING before starting")
	batchSize := flag.Int("batch-size", 50, "Rows claimed per poll")
	pollInterval := flag.Duration("poll-interval", 500*time.Millisecond, "Delay between polls")
	flag.Parse()

	c, err := config.GetConfig()
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	config.SetLogLevel(c.LogLevel)
	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()

	client, err := config.GetPubSubClient(sigCtx)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err.Error())
	}
	defer func() { _ = config.ClosePubSubClient() }()
	if _, err := config.CreateTopicIfNotExists(sigCtx, client, c.NotificationTopic); err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err.Error())
	}

	if *requeueDead {
		n, err := models.RequeueDeadNotifications(sigCtx)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "requeue"}).Fatal(err.Error())
		}
		logger.WithFields(logrus.Fields{"field": "requeue", "rows": n}).Info("requeued dead notifications")
	}

	dispatcher := workflow.NewOutboxDispatcher(db, logger)
	dispatcher.BatchSize = *batchSize
	dispatcher.PollInterval = *pollInterval
	logger.WithFields(logrus.Fields{
		"field":         "dispatcher",
		"dispatcher_id": dispatcher.DispatcherID,
		"topic":         c.NotificationTopic,
	}).Info("notification dispatcher started")
	dispatcher.Run(sigCtx)
	logger.WithFields(logrus.Fields{"field": "dispatcher"}).Info("notification dispatcher stopped")
}

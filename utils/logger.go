package utils

import (
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// Logger is the process-wide structured logger.
var Logger = logrus.New()

// InitLogger sets the output format for the environment and, when dsn is set,
// starts Sentry.
func InitLogger(environment, dsn string) error {
	Logger.SetOutput(os.Stdout)
	if environment == "production" {
		Logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
		Logger.SetLevel(logrus.InfoLevel)
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		Logger.SetLevel(logrus.DebugLevel)
	}

	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
}

// FlushSentry waits for buffered Sentry events before exit.
func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// LogEvent logs an event with structured data
func LogEvent(eventType string, data map[string]interface{}) {
	log := Logger.WithField("event_type", eventType)
	for k, v := range data {
		log = log.WithField(k, v)
	}
	log.Info("Event occurred")

	// Send to Sentry as breadcrumb
	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Type:      "info",
		Category:  eventType,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// LogError logs err and reports it to Sentry with the given context.
func LogError(errorType string, err error, context map[string]interface{}) {
	log := Logger.WithFields(logrus.Fields{
		"error_type": errorType,
		"error":      err.Error(),
	})
	for k, v := range context {
		log = log.WithField(k, v)
	}
	log.Error("Error occurred")

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_type", errorType)
		for k, v := range context {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}

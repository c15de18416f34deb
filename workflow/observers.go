package workflow

import (
	"context"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/production_backend/config"
	"bitbucket.org/mmdatafocus/production_backend/models"
	"github.com/sirupsen/logrus"
)

// CostObserver is told about every accepted cost change, after the task
// lock has been released.
type CostObserver interface {
	CostChanged(ctx context.Context, event models.CostChangedEvent)
}

type CostObserverFunc func(ctx context.Context, event models.CostChangedEvent)

func (f CostObserverFunc) CostChanged(ctx context.Context, event models.CostChangedEvent) {
	f(ctx, event)
}

func (e *Engine) notify(ctx context.Context, event *models.CostChangedEvent) {
	if event == nil {
		return
	}
	for _, o := range e.Observers {
		o.CostChanged(ctx, *event)
	}
}

type publishFunc func(ctx context.Context, topicName string, obj interface{}, attributes map[string]string) (string, error)

// PubSubCostObserver publishes cost changes as JSON messages.
type PubSubCostObserver struct {
	Topic   string
	Timeout time.Duration
	Logger  *logrus.Logger
	publish publishFunc
}

func NewPubSubCostObserver(topic string, logger *logrus.Logger) *PubSubCostObserver {
	return &PubSubCostObserver{
		Topic:   topic,
		Timeout: 10 * time.Second,
		Logger:  logger,
		publish: config.PublishJSON,
	}
}

func (o *PubSubCostObserver) CostChanged(ctx context.Context, event models.CostChangedEvent) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.Timeout)
	defer cancel()

	attributes := map[string]string{
		"task_id":        strconv.Itoa(event.TaskId),
		"source":         string(event.Source),
		"correlation_id": event.CorrelationId,
	}
	msgId, err := o.publish(pubCtx, o.Topic, event, attributes)
	if err != nil {
		config.LogError(o.Logger, moduleName, "PubSubCostObserver.CostChanged", "publish cost change", event.TaskId, err)
		return
	}
	o.Logger.WithFields(logrus.Fields{
		"module":     moduleName,
		"task_id":    event.TaskId,
		"message_id": msgId,
	}).Debug("cost change published")
}

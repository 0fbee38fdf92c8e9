package hostsync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/hostfolio/rentals_backend/config"
)

// PubSubEnabled reports whether sync jobs are dispatched through
// Pub/Sub instead of the in-process queue.
func PubSubEnabled() bool {
	return config.BoolFromEnv("HOSTAWAY_SYNC_PUBSUB", false)
}

// PublishSyncJob pushes a created job onto the sync topic for a push
// subscription to deliver back to us.
func PublishSyncJob(ctx context.Context, jobId, mode string, force bool) error {
	topicName := strings.TrimSpace(os.Getenv("HOSTAWAY_SYNC_TOPIC"))
	if topicName == "" {
		topicName = "hostaway-sync"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if config.BoolFromEnv("HOSTAWAY_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	payload := SyncPubSubPayload{JobId: jobId, Mode: mode, Force: force}
	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler receives the push delivery and runs the job inline.
// Pub/Sub redelivers on non-2xx, so malformed envelopes are absorbed
// with 204 rather than bounced forever.
func PubSubPushHandler(worker *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !PubSubEnabled() {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.JobId == "" {
			c.Status(204)
			return
		}

		worker.process(c.Request.Context(), syncTask{
			JobId: payload.JobId,
			Mode:  payload.Mode,
			Force: payload.Force,
		})
		c.Status(204)
	}
}


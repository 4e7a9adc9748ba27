// Package events publishes job lifecycle notifications for downstream
// consumers (the feed, the posting UI). Delivery is best-effort: a
// failed publish is logged and never blocks the pipeline.
package events

import (
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v2/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/sirupsen/logrus"

	"github.com/fabkury/makapix-sub003/internal/logging"
	"github.com/fabkury/makapix-sub003/internal/models"
)

const TopicJobStateChanged = "makapix.publish.job-state-changed"

// JobStateChanged is the wire payload for a job transition.
type JobStateChanged struct {
	JobID     string           `json:"jobId"`
	PostID    string           `json:"postId"`
	State     models.JobState  `json:"state"`
	ErrorKind models.ErrorKind `json:"errorKind,omitempty"`
	CommitSHA string           `json:"commitSha,omitempty"`
	At        time.Time        `json:"at"`
}

type Notifier struct {
	pub message.Publisher
	log *logrus.Entry
}

// NewGoChannel builds an in-process notifier. The returned subscriber
// side is used by tests and by any in-process consumer.
func NewGoChannel() (*Notifier, message.Subscriber) {
	ch := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewStdLogger(false, false))
	return &Notifier{pub: ch, log: logging.C("events")}, ch
}

// NewKafka builds a notifier publishing to a kafka cluster, for
// deployments where consumers run out of process.
func NewKafka(brokers []string) (*Notifier, error) {
	pub, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:   brokers,
		Marshaler: kafka.DefaultMarshaler{},
	}, watermill.NewStdLogger(false, false))
	if err != nil {
		return nil, err
	}
	return &Notifier{pub: pub, log: logging.C("events")}, nil
}

// JobStateChanged emits one notification for a job transition. Errors
// are swallowed after logging; notifications carry no state of record.
func (n *Notifier) JobStateChanged(job *models.PublishJob) {
	payload, err := json.Marshal(JobStateChanged{
		JobID:     job.ID,
		PostID:    job.PostID,
		State:     job.State,
		ErrorKind: job.ErrorKind,
		CommitSHA: job.CommitSHA,
		At:        job.TransitionedAt,
	})
	if err != nil {
		n.log.WithError(err).Error("marshal job state event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := n.pub.Publish(TopicJobStateChanged, msg); err != nil {
		n.log.WithError(err).WithField("job", job.ID).Warn("publish job state event")
	}
}

func (n *Notifier) Close() error {
	return n.pub.Close()
}

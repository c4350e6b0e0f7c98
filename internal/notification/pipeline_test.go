package notification_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/anthev-stack/commpledge-sub001/internal/config"
	"github.com/anthev-stack/commpledge-sub001/internal/db"
	"github.com/anthev-stack/commpledge-sub001/internal/message"
	"github.com/anthev-stack/commpledge-sub001/internal/model"
	"github.com/anthev-stack/commpledge-sub001/internal/notification"
	"github.com/anthev-stack/commpledge-sub001/internal/testhelpers"
	"github.com/google/uuid"
	"github.com/h2non/gock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
)

type memoryWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *memoryWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

type PipelineTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	repo        *db.NotificationRepository
	outbox      *notification.Outbox
	writer      *memoryWriter
	producer    *notification.Producer
	processor   *notification.Processor
	ctx         context.Context
}

func (s *PipelineTestSuite) SetupSuite() {
	testcontainers.SkipIfProviderIsNotHealthy(s.T())
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	s.Require().NoError(err)
	s.pgContainer = pgContainer

	s.Require().NoError(db.RunMigrations(pgContainer.ConnectionString))

	pool, err := db.GetPool(s.ctx, pgContainer.ConnectionString)
	s.Require().NoError(err)
	s.pool = pool

	logger := slog.Default()
	s.repo = db.NewNotificationRepository(pool)
	s.outbox = notification.NewOutbox(s.repo, "http://example.com/notify", logger)
	s.processor = notification.NewProcessor(s.repo, notification.NewSender(config.NotificationSender{TimeoutMs: 1000}, logger),
		config.NotificationProcessor{Parallelism: 2, RescheduleDelayMs: 1, MaxDeliveryAttempts: 2}, logger)
}

func (s *PipelineTestSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.pgContainer != nil {
		s.Require().NoError(s.pgContainer.Terminate(s.ctx))
	}
}

func (s *PipelineTestSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, "DELETE FROM notification_message")
	s.Require().NoError(err)

	s.writer = &memoryWriter{}
	s.producer = notification.NewProducer(s.repo, s.writer, config.NotificationProducer{
		PollingIntervalMs: 100, FetchSize: 10, RescheduleDelayMs: 1, MaxPublishAttempts: 2,
	}, slog.Default())
}

func (s *PipelineTestSuite) TearDownTest() {
	gock.Off()
}

func TestPipelineTestSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

func (s *PipelineTestSuite) enqueue(anonymous bool) *model.Donation {
	donor := "user-1"
	d := &model.Donation{
		ID: uuid.New(), ServerID: "srv-1", DonorID: &donor, Amount: 1000, PlatformFee: 50, NetAmount: 950,
		Currency: "USD", Anonymous: anonymous, ExternalRef: "pi_" + uuid.NewString(), Status: model.DonationStatusSucceeded,
	}
	s.Require().NoError(s.outbox.EnqueueDonation(s.ctx, s.pool, d))
	return d
}

func (s *PipelineTestSuite) published() []message.Notification {
	var out []message.Notification
	for _, m := range s.writer.messages {
		var n message.Notification
		s.Require().NoError(json.Unmarshal(m.Value, &n))
		out = append(out, n)
	}
	return out
}

func (s *PipelineTestSuite) TestPublishAndDeliver() {
	d := s.enqueue(true)

	s.producer.Process(s.ctx)

	msgs := s.published()
	s.Require().Len(msgs, 1)
	s.Equal(d.ExternalRef, string(s.writer.messages[0].Key))
	s.NotContains(msgs[0].Payload, "user-1")

	rows, err := s.repo.SelectByExternalRef(s.ctx, d.ExternalRef)
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.NotNil(rows[0].PublishedAt)
	s.Nil(rows[0].ScheduledAt)

	// nothing left to publish
	s.producer.Process(s.ctx)
	s.Len(s.writer.messages, 1)

	gock.New("http://example.com").Post("/notify").Reply(200)
	s.processor.Deliver(s.ctx, msgs[0])

	entity, err := s.repo.SelectByID(s.ctx, msgs[0].ID)
	s.Require().NoError(err)
	s.NotNil(entity.DeliveredAt)
	s.Equal(1, entity.DeliveryAttempts)

	// a redelivered Kafka message is not sent twice
	s.processor.Deliver(s.ctx, msgs[0])
	entity, err = s.repo.SelectByID(s.ctx, msgs[0].ID)
	s.Require().NoError(err)
	s.Equal(1, entity.DeliveryAttempts)
}

func (s *PipelineTestSuite) TestFailedDeliveryIsRescheduledThenParked() {
	s.enqueue(false)
	s.producer.Process(s.ctx)
	msg := s.published()[0]

	gock.New("http://example.com").Post("/notify").Times(2).Reply(503)

	s.processor.Deliver(s.ctx, msg)
	entity, err := s.repo.SelectByID(s.ctx, msg.ID)
	s.Require().NoError(err)
	s.Equal(1, entity.DeliveryAttempts)
	s.NotNil(entity.ScheduledAt)
	s.NotNil(entity.Error)

	s.processor.Deliver(s.ctx, msg)
	entity, err = s.repo.SelectByID(s.ctx, msg.ID)
	s.Require().NoError(err)
	s.Equal(2, entity.DeliveryAttempts)
	s.Nil(entity.ScheduledAt)
	s.Nil(entity.DeliveredAt)
}

func (s *PipelineTestSuite) TestPublishFailureIsRescheduled() {
	d := s.enqueue(false)
	s.writer.err = errors.New("broker unavailable")

	s.producer.Process(s.ctx)

	rows, err := s.repo.SelectByExternalRef(s.ctx, d.ExternalRef)
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.Equal(1, rows[0].PublishAttempts)
	s.NotNil(rows[0].ScheduledAt)
	s.Nil(rows[0].PublishedAt)

	time.Sleep(5 * time.Millisecond)
	s.producer.Process(s.ctx)

	rows, err = s.repo.SelectByExternalRef(s.ctx, d.ExternalRef)
	s.Require().NoError(err)
	s.Equal(2, rows[0].PublishAttempts)
	s.Nil(rows[0].ScheduledAt)
}

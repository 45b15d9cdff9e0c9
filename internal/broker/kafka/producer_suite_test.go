package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BearBump/FreightLink/internal/broker/messages"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type writerMock struct {
	mock.Mock
}

func (m *writerMock) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

type ProducerSuite struct {
	suite.Suite
	wm *writerMock
	p  *Producer
}

func (s *ProducerSuite) SetupTest() {
	s.wm = &writerMock{}
	s.p = newProducerWithWriter(s.wm)
}

func (s *ProducerSuite) TestStatusChangedKeyedByDocument() {
	ev := messages.InvoiceStatusChanged{
		ShipmentID:  "f0a5c3b2-7d1e-4c55-9a53-1f0f2b9d8e11",
		DocumentKey: "35240112345678000190570010000012341000012345",
		InvoiceKey:  "35240112345678000190550010000099991000099999",
		Code:        "1",
		Delivered:   true,
		OccurredAt:  time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC),
	}

	s.wm.
		On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
			if len(msgs) != 1 || msgs[0].Topic != "invoice.status.changed" {
				return false
			}
			var got messages.InvoiceStatusChanged
			if json.Unmarshal(msgs[0].Value, &got) != nil {
				return false
			}
			return string(msgs[0].Key) == ev.DocumentKey && got.InvoiceKey == ev.InvoiceKey && got.Delivered
		})).
		Return(nil).
		Once()

	s.Require().NoError(s.p.PublishJSON(context.Background(), "invoice.status.changed", ev.DocumentKey, ev))
	s.wm.AssertExpectations(s.T())
}

func (s *ProducerSuite) TestSyncCompletedWriteFailure() {
	s.wm.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("leader not available")).Once()

	err := s.p.PublishJSON(context.Background(), "transit.sync.completed", "run-1", messages.SyncCompleted{RunID: "run-1", Found: 3})
	s.Require().ErrorContains(err, "kafka publish")
	s.Require().ErrorContains(err, "leader not available")
	s.wm.AssertExpectations(s.T())
}

func (s *ProducerSuite) TestUnencodableNeverReachesWriter() {
	err := s.p.PublishJSON(context.Background(), "invoice.status.changed", "k", func() {})
	s.Require().ErrorContains(err, "kafka encode")
	s.wm.AssertNotCalled(s.T(), "WriteMessages", mock.Anything, mock.Anything)
}

func TestProducerSuite(t *testing.T) {
	suite.Run(t, new(ProducerSuite))
}

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/travel-booking/internal/core/domain"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func header(msg kafka.Message, key string) string {
	return headerCarrier{headers: &msg.Headers}.Get(key)
}

func TestKafkaNotifier_KeysByBookingAndInjectsTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	w := &recordingWriter{}
	notifier := NewKafkaNotifier(w)
	err := notifier.Notify(ctx, domain.Notification{
		Kind:             domain.NotificationBookingConfirmed,
		BookingID:        "booking-1",
		BookingReference: "TRV-20260101-AAAAAAAA",
		UserID:           "user-1",
		OccurredAt:       time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "booking-1", string(msg.Key))
	assert.Equal(t, string(domain.NotificationBookingConfirmed), header(msg, HeaderEventType))
	assert.Contains(t, header(msg, "traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736")

	got := trace.SpanContextFromContext(extract(context.Background(), msg))
	assert.Equal(t, traceID, got.TraceID())
}

func TestKafkaNotifier_WriteError(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker down")}
	err := NewKafkaNotifier(w).Notify(context.Background(), domain.Notification{BookingID: "b"})
	assert.ErrorContains(t, err, "broker down")
}

func TestKafkaReviewPublisher(t *testing.T) {
	w := &recordingWriter{}
	record := domain.ProcessingRecord{
		ID:        "proc-1",
		EventType: domain.EventPaymentCaptured,
		Attempts:  4,
		LastError: "booking store unavailable",
		Payload:   []byte(`{"event":"payment.captured"}`),
	}
	require.NoError(t, NewKafkaReviewPublisher(w).PublishReview(context.Background(), record))
	require.Len(t, w.msgs, 1)

	var review reviewMessage
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &review))
	assert.Equal(t, "proc-1", review.ProcessingID)
	assert.Equal(t, 4, review.Attempts)
	assert.JSONEq(t, `{"event":"payment.captured"}`, string(review.Payload))
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		r.cancel()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func TestReviewConsumer_CommitsEveryMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{
		cancel: cancel,
		msgs: []kafka.Message{
			{Offset: 1, Value: []byte(`{"processing_id":"p1","attempts":4}`)},
			{Offset: 2, Value: []byte(`not json`)},
		},
	}

	require.NoError(t, NewReviewConsumer(reader).Run(ctx))
	assert.Equal(t, []int64{1, 2}, reader.committed)
}

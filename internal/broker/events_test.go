package broker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commerce-backend/internal/models"
)

func message(t *testing.T, event interface{}) kafka.Message {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Value: value}
}

func TestDecodeOrderCreated(t *testing.T) {
	original := &models.OrderCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   "evt-1",
			EventType: models.EventTypeOrderCreated,
			Timestamp: time.Now().UTC(),
		},
		OrderID:     42,
		OrderNumber: "ORD-20260829120000-AB12CD",
		UserID:      7,
		TotalAmount: decimal.RequireFromString("715.00"),
		Items: []models.OrderItemData{
			{ProductID: 1, Quantity: 2, UnitPrice: decimal.RequireFromString("100.00")},
		},
	}

	eventType, decoded, err := Decode(message(t, original))
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeOrderCreated, eventType)

	event, ok := decoded.(*models.OrderCreatedEvent)
	require.True(t, ok)
	assert.Equal(t, int64(42), event.OrderID)
	assert.Equal(t, "ORD-20260829120000-AB12CD", event.OrderNumber)
	require.Len(t, event.Items, 1)
	assert.True(t, event.TotalAmount.Equal(original.TotalAmount))
}

func TestDecodePaymentFailed(t *testing.T) {
	original := &models.PaymentFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   "evt-2",
			EventType: models.EventTypePaymentFailed,
			Timestamp: time.Now().UTC(),
		},
		OrderID:   42,
		PaymentID: 9,
		Reason:    "Card declined",
		Code:      "CARD_DECLINED",
		CanRetry:  true,
	}

	eventType, decoded, err := Decode(message(t, original))
	require.NoError(t, err)
	assert.Equal(t, models.EventTypePaymentFailed, eventType)

	event, ok := decoded.(*models.PaymentFailedEvent)
	require.True(t, ok)
	assert.Equal(t, "CARD_DECLINED", event.Code)
	assert.True(t, event.CanRetry)
}

func TestDecodeUnknownType(t *testing.T) {
	msg := kafka.Message{Value: []byte(`{"event_id":"x","event_type":"SOMETHING_ELSE"}`)}

	eventType, decoded, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, "SOMETHING_ELSE", eventType)
	assert.Nil(t, decoded)
}

func TestDecodeMalformedPayload(t *testing.T) {
	_, _, err := Decode(kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)
}

package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqttcommon "wisefido-canister/common/mqtt"
	"wisefido-canister/internal/config"
)

// MockSubscriber 是 consumer.Subscriber 的 mock 实现
type MockSubscriber struct {
	mock.Mock
}

func (m *MockSubscriber) Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error {
	args := m.Called(topic, qos, handler)
	return args.Error(0)
}

func (m *MockSubscriber) Unsubscribe(topics ...string) error {
	args := m.Called(topics)
	return args.Error(0)
}

func newTestService(t *testing.T, sub *MockSubscriber) (*CanisterService, sqlmock.Sqlmock) {
	db, dbMock, err := sqlmock.New()
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{}
	cfg.MQTT.QoS = 1
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Canister.MaxCommitAttempts = 3
	cfg.Canister.SlotsPerPCB = 10
	cfg.Canister.DocumentKeyPrefix = "canister:realtime:"
	cfg.Canister.Topics.Station = "canister/station/+/+/event"
	cfg.Canister.Streams.Results = "canister:reconcile:results"
	cfg.Canister.Streams.StationEvents = "canister:station:events"

	return newCanisterService(cfg, zap.NewNop(), db, client, sub), dbMock
}

func TestCanisterService_HealthRoute(t *testing.T) {
	svc, _ := newTestService(t, &MockSubscriber{})

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCanisterService_StartStop(t *testing.T) {
	subscribed := make(chan struct{})
	sub := &MockSubscriber{}
	sub.On("Subscribe", "canister/station/+/+/event", byte(1), mock.Anything).
		Run(func(mock.Arguments) { close(subscribed) }).
		Return(nil)
	sub.On("Unsubscribe", []string{"canister/station/+/+/event"}).Return(nil)

	svc, dbMock := newTestService(t, sub)
	dbMock.ExpectClose()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not subscribe")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop after context cancel")
	}

	require.NoError(t, svc.Stop(context.Background()))
	sub.AssertExpectations(t)
	assert.NoError(t, dbMock.ExpectationsWereMet())
}

// Package consumer 工位硬件回调（MQTT）-> 对账引擎
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	mqttcommon "wisefido-canister/common/mqtt"
	rediscommon "wisefido-canister/common/redis"
	"wisefido-canister/internal/addressing"
	"wisefido-canister/internal/config"
	"wisefido-canister/internal/models"
	"wisefido-canister/internal/reconcile"
)

// Subscriber MQTT 订阅
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// StationResolver 工位编号解析
type StationResolver interface {
	Resolve(ctx context.Context, stationType string, stationID int) (*addressing.Station, error)
}

// ReadsResolver 工位相对序号读数 -> 槽位号读数
type ReadsResolver interface {
	ResolveReads(ctx context.Context, device *models.Device, drawerName string, primary bool, readsByIndex map[int]string) (map[int]string, error)
}

// Reconciler 对账引擎
type Reconciler interface {
	Reconcile(ctx context.Context, req reconcile.ReconcileRequest) (*reconcile.ReconciliationResult, error)
}

// StationPayload 工位回调消息体
type StationPayload struct {
	Event           addressing.Event  `json:"event"`
	UserID          int64             `json:"user_id"`
	DrawerName      string            `json:"drawer_name,omitempty"`
	ScannedDrawerID *int64            `json:"scanned_drawer_id,omitempty"`
	TrolleyID       *int64            `json:"trolley_id,omitempty"`
	Reads           map[string]string `json:"reads,omitempty"`
}

// StationResult 发布到结果流的消息
type StationResult struct {
	Station *addressing.Station             `json:"station"`
	Event   addressing.Event                `json:"event"`
	Result  *reconcile.ReconciliationResult `json:"result"`
}

// StationConsumer 工位事件消费者
type StationConsumer struct {
	config      *config.Config
	subscriber  Subscriber
	redisClient redis.Cmdable
	stations    StationResolver
	locations   ReadsResolver
	engine      Reconciler
	logger      *zap.Logger
	timeout     time.Duration
}

// NewStationConsumer 创建工位事件消费者
func NewStationConsumer(
	cfg *config.Config,
	subscriber Subscriber,
	redisClient redis.Cmdable,
	stations StationResolver,
	locations ReadsResolver,
	engine Reconciler,
	logger *zap.Logger,
) *StationConsumer {
	return &StationConsumer{
		config:      cfg,
		subscriber:  subscriber,
		redisClient: redisClient,
		stations:    stations,
		locations:   locations,
		engine:      engine,
		logger:      logger,
		timeout:     30 * time.Second,
	}
}

// Start 订阅工位事件主题，阻塞到 ctx 取消
func (c *StationConsumer) Start(ctx context.Context) error {
	topic := c.config.Canister.Topics.Station
	handler := func(topic string, payload []byte) error {
		msgCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.HandleMessage(msgCtx, topic, payload)
	}
	if err := c.subscriber.Subscribe(topic, c.config.MQTT.QoS, handler); err != nil {
		return fmt.Errorf("failed to subscribe to station topic: %w", err)
	}

	c.logger.Info("Station consumer started", zap.String("topic", topic))

	<-ctx.Done()
	return nil
}

// Stop 取消订阅
func (c *StationConsumer) Stop(ctx context.Context) error {
	if err := c.subscriber.Unsubscribe(c.config.Canister.Topics.Station); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("Station consumer stopped")
	return nil
}

// ParseTopic 主题格式: canister/station/{station_type}/{station_id}/event
func ParseTopic(topic string) (stationType string, stationID int, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "canister" || parts[1] != "station" || parts[4] != "event" {
		return "", 0, fmt.Errorf("invalid topic format: %s", topic)
	}
	stationID, err = strconv.Atoi(parts[3])
	if err != nil {
		return "", 0, fmt.Errorf("invalid station id in topic %s: %w", topic, addressing.ErrInvalidStation)
	}
	return parts[2], stationID, nil
}

// HandleMessage 处理一条工位回调
func (c *StationConsumer) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	stationType, stationID, err := ParseTopic(topic)
	if err != nil {
		return err
	}

	var msg StationPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal station message: %w", err)
	}

	st, err := c.stations.Resolve(ctx, stationType, stationID)
	if err != nil {
		c.logger.Warn("Station not resolved",
			zap.String("station_type", stationType),
			zap.Int("station_id", stationID),
			zap.Error(err),
		)
		return err
	}

	if msg.Event.IsLockEvent() {
		return c.publishLockEvent(ctx, st, msg)
	}

	if st.ShouldIgnore(msg.Event, len(msg.Reads) > 0) {
		c.logger.Debug("Ignoring secondary controller callback without reads",
			zap.String("station_type", stationType),
			zap.Int("station_id", stationID),
			zap.String("event", string(msg.Event)),
		)
		return nil
	}

	byIndex, err := parseReads(msg.Reads)
	if err != nil {
		return err
	}
	device := &models.Device{DeviceID: st.DeviceID, Type: st.Type}
	reads, err := c.locations.ResolveReads(ctx, device, msg.DrawerName, st.Primary, byIndex)
	if err != nil {
		return fmt.Errorf("resolve reads of station %s/%d: %w", stationType, stationID, err)
	}

	res, err := c.engine.Reconcile(ctx, reconcile.ReconcileRequest{
		DeviceID:        st.DeviceID,
		Reads:           reads,
		ActorUserID:     msg.UserID,
		ScannedDrawerID: msg.ScannedDrawerID,
		TrolleyID:       msg.TrolleyID,
	})
	if err != nil {
		return fmt.Errorf("reconcile station %s/%d: %w", stationType, stationID, err)
	}

	stream := c.config.Canister.Streams.Results
	streamID, err := rediscommon.PublishJSONToStream(ctx, c.redisClient, stream, StationResult{
		Station: st,
		Event:   msg.Event,
		Result:  res,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", stream, err)
	}

	c.logger.Info("Published reconciliation result",
		zap.Int64("device_id", st.DeviceID),
		zap.String("session_id", res.SessionID),
		zap.String("stream", stream),
		zap.String("stream_id", streamID),
	)
	return nil
}

func (c *StationConsumer) publishLockEvent(ctx context.Context, st *addressing.Station, msg StationPayload) error {
	stream := c.config.Canister.Streams.StationEvents
	_, err := rediscommon.PublishToStream(ctx, c.redisClient, stream, map[string]interface{}{
		"station_type": string(st.Type),
		"station_id":   st.StationID,
		"device_id":    st.DeviceID,
		"primary":      st.Primary,
		"event":        string(msg.Event),
		"user_id":      msg.UserID,
		"timestamp":    time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", stream, err)
	}
	return nil
}

func parseReads(raw map[string]string) (map[int]string, error) {
	out := make(map[int]string, len(raw))
	for k, rfid := range raw {
		index, err := strconv.Atoi(k)
		if err != nil || index <= 0 {
			return nil, fmt.Errorf("invalid read index %q: %w", k, reconcile.ErrUnknownSlot)
		}
		out[index] = rfid
	}
	return out, nil
}

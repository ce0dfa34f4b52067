package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/CoraHQ/cora-voice-bridge/pkg/logger"
	"github.com/CoraHQ/cora-voice-bridge/pkg/redis"
	"go.uber.org/zap"
)

const (
	CleanupChannel   = "cora:voice:call:cleanup"
	SessionKeyPrefix = "cora:voice:call:info"
	SessionTTL       = 1 * time.Hour
)

// SessionInfo is the monitoring record mirrored into Redis for each
// live call, so any pod (and the dashboard) can see the fleet.
type SessionInfo struct {
	CallID    string    `json:"callId"`
	PodID     string    `json:"podId"`
	TenantID  string    `json:"tenantId"`
	From      string    `json:"from,omitempty"`
	StartTime time.Time `json:"startTime"`
}

// CleanupMessage is the payload for cleanup broadcast
type CleanupMessage struct {
	CallID string `json:"callId"`
}

// Monitor publishes call liveness into Redis and relays cross-pod
// cleanup requests.
type Monitor struct {
	redisSvc redis.RedisServiceInterface
	podID    string
}

func NewMonitor(redisSvc redis.RedisServiceInterface, podID string) *Monitor {
	return &Monitor{
		redisSvc: redisSvc,
		podID:    podID,
	}
}

// Register records a call for monitoring.
func (m *Monitor) Register(ctx context.Context, info SessionInfo) error {
	info.PodID = m.podID
	if info.StartTime.IsZero() {
		info.StartTime = time.Now()
	}

	data, _ := json.Marshal(info)
	key := fmt.Sprintf("%s:%s", SessionKeyPrefix, info.CallID)

	err := m.redisSvc.SetValue(ctx, key, string(data), SessionTTL)
	if err == nil {
		logger.Base().Info("Call registered in Redis", zap.String("call_id", info.CallID), zap.String("pod_id", m.podID))
	}
	return err
}

// Unregister removes a call from monitoring.
func (m *Monitor) Unregister(ctx context.Context, callID string) error {
	key := fmt.Sprintf("%s:%s", SessionKeyPrefix, callID)
	return m.redisSvc.DelValue(ctx, key)
}

// NotifyCleanup broadcasts a cleanup request to all pods.
func (m *Monitor) NotifyCleanup(ctx context.Context, callID string) error {
	logger.Base().Info("Broadcasting cleanup request", zap.String("call_id", callID))
	return m.redisSvc.Publish(ctx, CleanupChannel, CleanupMessage{CallID: callID})
}

// SubscribeToCleanup listens for cleanup broadcasts.
func (m *Monitor) SubscribeToCleanup(ctx context.Context, handler func(callID string)) error {
	return m.redisSvc.Subscribe(ctx, CleanupChannel, func(payload string) {
		var msg CleanupMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Base().Error("Failed to unmarshal cleanup message", zap.Error(err))
			return
		}
		handler(msg.CallID)
	})
}

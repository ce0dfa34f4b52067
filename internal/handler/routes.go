package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/CoraHQ/cora-voice-bridge/internal/config"
	"github.com/CoraHQ/cora-voice-bridge/internal/session"
	"github.com/CoraHQ/cora-voice-bridge/internal/tool"
	"github.com/CoraHQ/cora-voice-bridge/pkg/logger"
	"github.com/CoraHQ/cora-voice-bridge/pkg/redis"
	"github.com/CoraHQ/cora-voice-bridge/pkg/tenantcfg"
	"github.com/CoraHQ/cora-voice-bridge/pkg/transfer"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HandlerManager wires all handlers and their shared services.
type HandlerManager struct {
	config   *config.Config
	sessions *session.Registry
	monitor  *session.Monitor
	media    *MediaStreamHandler
}

// NewHandlerManager creates and initializes all handlers and services.
func NewHandlerManager(cfg *config.Config) (*HandlerManager, error) {
	tuning := config.DefaultTuning()
	sessions := session.NewRegistry()
	toolRegistry := tool.NewRegistry()
	transferSvc := transfer.NewService(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TransferNumber, cfg.TransferActionURL)

	// Redis is optional; without it the bridge still takes calls but
	// loses cross-pod monitoring and tenant config caching.
	var redisSvc redis.RedisServiceInterface
	if cfg.RedisAddr != "" {
		svc, err := redis.NewRedisService(&redis.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Base().Warn("Failed to initialize redis, running without call monitoring", zap.Error(err))
		} else {
			redisSvc = svc
		}
	}

	var monitor *session.Monitor
	if redisSvc != nil {
		podID := os.Getenv("POD_ID")
		if podID == "" {
			if hostname, err := os.Hostname(); err == nil {
				podID = hostname
			} else {
				podID = uuid.NewString()
			}
		}
		monitor = session.NewMonitor(redisSvc, podID)
		logger.Base().Info("Call monitor initialized", zap.String("pod_id", podID))
	}

	tenants := tenantcfg.NewClient(cfg.DashboardBaseURL, redisSvc, tenantcfg.DefaultTenant(cfg.DefaultTenantID))

	hm := &HandlerManager{
		config:   cfg,
		sessions: sessions,
		monitor:  monitor,
		media:    NewMediaStreamHandler(cfg, tuning, tenants, toolRegistry, sessions, monitor, transferSvc),
	}

	// Another pod asking us to drop a call, e.g. after the dashboard
	// force-ended it.
	if monitor != nil {
		if err := monitor.SubscribeToCleanup(context.Background(), func(callID string) {
			if sess := sessions.Get(callID); sess != nil {
				sess.Close("cleanup broadcast")
			}
		}); err != nil {
			logger.Base().Warn("Failed to subscribe to cleanup channel", zap.Error(err))
		}
	}

	return hm, nil
}

// SetupAllRoutes sets up all routes with middleware.
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	router.Use(LoggingMiddleware)

	router.HandleFunc("/ws/voice", hm.media.HandleMediaStream)
	router.HandleFunc("/healthz", hm.HandleHealth).Methods("GET")
	router.HandleFunc("/api/calls/active", hm.HandleActiveCalls).Methods("GET")
	router.HandleFunc("/api/calls/{call_sid}/end", hm.HandleEndCall).Methods("POST")

	logger.Base().Info("All application routes registered")
}

// HandleHealth reports process liveness and the local call count.
func (hm *HandlerManager) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       "ok",
		"active_calls": hm.sessions.Count(),
	})
}

// HandleActiveCalls lists calls currently handled by this pod.
func (hm *HandlerManager) HandleActiveCalls(w http.ResponseWriter, r *http.Request) {
	type activeCall struct {
		CallSid string `json:"call_sid"`
		State   string `json:"state"`
	}
	calls := make([]activeCall, 0)
	hm.sessions.Each(func(callID string, s *session.CallSession) {
		calls = append(calls, activeCall{CallSid: callID, State: string(s.State())})
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"calls": calls})
}

// HandleEndCall force-ends a call, e.g. after the dashboard closed it.
// The local session closes directly; the cleanup broadcast reaches
// whichever other pod holds the call.
func (hm *HandlerManager) HandleEndCall(w http.ResponseWriter, r *http.Request) {
	callSid := mux.Vars(r)["call_sid"]

	endedLocally := false
	if sess := hm.sessions.Get(callSid); sess != nil {
		sess.Close("ended via API")
		endedLocally = true
	}

	if hm.monitor != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := hm.monitor.NotifyCleanup(ctx, callSid); err != nil {
			logger.Base().Warn("Failed to broadcast call cleanup",
				zap.String("call_sid", callSid),
				zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"call_sid":      callSid,
		"ended_locally": endedLocally,
	})
}

// Shutdown ends every live call, used on process termination.
func (hm *HandlerManager) Shutdown() {
	hm.sessions.Each(func(callID string, s *session.CallSession) {
		s.Close("server shutting down")
	})
}

package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/CoraHQ/cora-voice-bridge/internal/config"
	"github.com/CoraHQ/cora-voice-bridge/internal/session"
	"github.com/CoraHQ/cora-voice-bridge/internal/tool"
	"github.com/CoraHQ/cora-voice-bridge/internal/transport"
	"github.com/CoraHQ/cora-voice-bridge/pkg/logger"
	"github.com/CoraHQ/cora-voice-bridge/pkg/persistence"
	"github.com/CoraHQ/cora-voice-bridge/pkg/tenantcfg"
	"github.com/CoraHQ/cora-voice-bridge/pkg/tools"
	"github.com/CoraHQ/cora-voice-bridge/pkg/transfer"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MediaStreamHandler accepts provider media stream websockets and runs
// one call session per connection.
type MediaStreamHandler struct {
	cfg      *config.Config
	tuning   *config.Tuning
	tenants  *tenantcfg.Client
	tools    *tool.Registry
	sessions *session.Registry
	monitor  *session.Monitor
	transfer *transfer.Service
	upgrader websocket.Upgrader
}

// NewMediaStreamHandler creates the handler. monitor may be nil when
// Redis is not configured.
func NewMediaStreamHandler(cfg *config.Config, tuning *config.Tuning, tenants *tenantcfg.Client, toolRegistry *tool.Registry, sessions *session.Registry, monitor *session.Monitor, transferSvc *transfer.Service) *MediaStreamHandler {
	return &MediaStreamHandler{
		cfg:      cfg,
		tuning:   tuning,
		tenants:  tenants,
		tools:    toolRegistry,
		sessions: sessions,
		monitor:  monitor,
		transfer: transferSvc,
		upgrader: websocket.Upgrader{
			// The provider does not send a browser Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleMediaStream upgrades the connection and pumps provider events
// into a call session until either side hangs up.
func (h *MediaStreamHandler) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Error("Failed to upgrade media stream connection", zap.Error(err))
		return
	}
	conn := transport.NewTelephonyConn(ws)
	defer conn.Close()

	logger.Base().Info("Media stream connection opened", zap.String("remote", r.RemoteAddr))

	var sess *session.CallSession
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if sess != nil {
				sess.TelephonyGone(err)
			} else {
				logger.Base().Debug("Media stream closed before start", zap.Error(err))
			}
			return
		}

		switch msg.Event {
		case transport.TwilioEventConnected:
			// Protocol preamble, nothing to do yet.

		case transport.TwilioEventStart:
			if sess != nil {
				continue
			}
			sess = h.startSession(conn, msg.Start)
			if sess == nil {
				return
			}
			sess.Deliver(msg)

		default:
			if sess != nil {
				sess.Deliver(msg)
			}
		}
	}
}

// startSession builds the per-call wiring once the start event tells
// us who is calling and which number they dialed.
func (h *MediaStreamHandler) startSession(conn *transport.TelephonyConn, start *transport.TwilioStart) *session.CallSession {
	if start == nil || start.CallSid == "" {
		logger.Base().Warn("Start event missing call sid, dropping connection")
		return nil
	}

	resolveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	tenant := h.tenants.Resolve(resolveCtx, start.DialedNumber())
	cancel()
	tenant = withDefaultVoice(tenant, h.cfg.RealtimeVoice)

	recorder := persistence.NewCallRecorder(h.cfg.DashboardBaseURL, h.cfg.CallJWTSecret, tenant.TenantID)
	toolClient := tools.NewClient(h.cfg.DashboardBaseURL, h.tuning.ToolTimeout, recorder.Token)
	callCtx := tools.CallContext{TenantID: tenant.TenantID, CallID: start.CallSid}
	executor := func(ctx context.Context, name string, args map[string]interface{}, idempotencyKey string) (map[string]interface{}, error) {
		return toolClient.Execute(ctx, name, args, callCtx, idempotencyKey)
	}

	sess := session.New(session.Options{
		Tuning:    h.tuning.Clone(),
		Tenant:    tenant,
		Telephony: conn,
		DialAI: func(ctx context.Context) (session.RealtimeConn, error) {
			return transport.DialRealtime(ctx, h.cfg.OpenAIBaseURL, h.cfg.OpenAIAPIKey, h.cfg.RealtimeModel)
		},
		Registry: h.tools,
		Executor: executor,
		Recorder: recorder,
		Transfer: func(ctx context.Context, providerCallID, reason string) error {
			return h.transfer.Redirect(ctx, providerCallID, reason)
		},
		OnClosed: func(providerCallID string) {
			h.sessions.Remove(providerCallID)
			if h.monitor != nil {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := h.monitor.Unregister(ctx, providerCallID); err != nil {
						logger.Base().Debug("Failed to unregister session",
							zap.String("call_sid", providerCallID),
							zap.Error(err))
					}
				}()
			}
		},
	})

	h.sessions.Add(start.CallSid, sess)
	go sess.Run()

	if h.monitor != nil {
		info := session.SessionInfo{
			CallID:    start.CallSid,
			TenantID:  tenant.TenantID,
			From:      start.CustomParameters["from"],
			StartTime: time.Now(),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.monitor.Register(ctx, info); err != nil {
				logger.Base().Warn("Failed to register session",
					zap.String("call_sid", start.CallSid),
					zap.Error(err))
			}
		}()
	}

	return sess
}

// withDefaultVoice fills in the service-wide voice when the tenant
// does not pick one. Resolved configs may be shared, so the override
// works on a copy.
func withDefaultVoice(tenant *tenantcfg.TenantConfig, voice string) *tenantcfg.TenantConfig {
	if tenant.Voice != "" || voice == "" {
		return tenant
	}
	withVoice := *tenant
	withVoice.Voice = voice
	return &withVoice
}

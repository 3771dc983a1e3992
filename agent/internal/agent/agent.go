// Package agent wires the station agent together: the backend connection,
// the local session timer, and the kiosk overlay.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/user"
	"time"

	"github.com/lanhall-io/lanhall/agent/internal/backend"
	"github.com/lanhall-io/lanhall/agent/internal/config"
	"github.com/lanhall-io/lanhall/agent/internal/overlay"
	"github.com/lanhall-io/lanhall/agent/internal/session"
	"github.com/lanhall-io/lanhall/pkg/protocol"
)

// Agent is the top-level station agent process.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	client  *backend.Client
	mgr     *session.Manager
	overlay *overlay.Overlay // nil in headless mode

	startedAt time.Time
}

// New builds an agent from its configuration.
func New(cfg *config.Config, version string, logger *slog.Logger) *Agent {
	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now(),
	}

	var notifier session.Notifier
	if cfg.Overlay.Disabled {
		notifier = overlay.NewLogNotifier(logger)
	} else {
		a.overlay = overlay.New(cfg.Station.ID)
		notifier = a.overlay
	}

	a.mgr = session.NewManager(notifier, logger, session.Options{
		Resolution:       cfg.Timer.Resolution.Duration,
		WarningThreshold: cfg.Timer.WarningThreshold.Duration,
		GracePeriod:      cfg.Timer.GracePeriod.Duration,
	})
	a.client = backend.NewClient(cfg, version, a.handleMessage, logger)
	return a
}

// Run starts the agent and blocks until the context is canceled or the
// overlay exits.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.mgr.Run(ctx)
	go a.reportLoop(ctx)
	go func() {
		if err := a.client.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("backend connection lost", "error", err)
		}
	}()

	a.logger.Info("agent started",
		"station_id", a.cfg.Station.ID,
		"server", a.cfg.Server.URL,
		"overlay", !a.cfg.Overlay.Disabled)

	if a.overlay != nil {
		// The overlay owns the foreground; the agent exits with it.
		err := a.overlay.Run(ctx)
		cancel()
		return err
	}

	<-ctx.Done()
	return ctx.Err()
}

// handleMessage dispatches a server message to the session manager.
func (a *Agent) handleMessage(env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeServerHello:
		var hello protocol.ServerHello
		if err := decode(env.Data, &hello); err != nil {
			return err
		}
		a.logger.Info("server hello",
			"server_version", hello.ServerVersion,
			"protocol_version", hello.ProtocolVersion,
			"station_status", hello.Station.Status)

	case protocol.TypeSessionStart:
		var start protocol.SessionStart
		if err := decode(env.Data, &start); err != nil {
			return err
		}
		a.mgr.Start(start.SessionID, start.ScheduledEndAt)

	case protocol.TypeSessionExtended:
		var ext protocol.SessionExtended
		if err := decode(env.Data, &ext); err != nil {
			return err
		}
		a.mgr.Extend(ext.SessionID, ext.NewEndTime)

	case protocol.TypeSessionWarning:
		var warn protocol.SessionWarning
		if err := decode(env.Data, &warn); err != nil {
			return err
		}
		// Server-side warnings surface even when the local threshold has not
		// crossed yet; the manager's own warning stays armed independently.
		a.logger.Info("session warning from server",
			"session_id", warn.SessionID,
			"remaining_seconds", warn.RemainingSeconds)

	case protocol.TypeSessionExpired:
		var exp protocol.SessionExpired
		if err := decode(env.Data, &exp); err != nil {
			return err
		}
		a.mgr.BeginGrace(exp.SessionID, time.Duration(exp.GracePeriodSeconds)*time.Second)

	case protocol.TypeSessionEnd:
		var end protocol.SessionEnd
		if err := decode(env.Data, &end); err != nil {
			return err
		}
		a.mgr.End(end.SessionID, end.Reason)

	case protocol.TypeSyncResponse:
		var sync protocol.SyncResponse
		if err := decode(env.Data, &sync); err != nil {
			return err
		}
		if sync.HasActiveSession && sync.Session != nil {
			a.mgr.ApplySync(true, sync.Session.SessionID, sync.Session.ScheduledEndAt)
		} else {
			a.mgr.ApplySync(false, "", time.Time{})
		}

	case protocol.TypeHeartbeatAck:
		// Nothing to do; the ack exists so a dead connection fails the read.

	case protocol.TypeServerShutdown:
		a.logger.Warn("server is shutting down; will reconnect")

	default:
		a.logger.Debug("ignoring message", "type", env.Type)
	}
	return nil
}

// reportLoop periodically sends a status report while connected.
func (a *Agent) reportLoop(ctx context.Context) {
	interval := a.cfg.Timer.ReportInterval.Duration
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.client.Connected() {
				continue
			}
			if err := a.client.Send(protocol.TypeStatusReport, a.buildReport()); err != nil {
				a.logger.Debug("status report send failed", "error", err)
			}
		}
	}
}

func (a *Agent) buildReport() protocol.StatusReport {
	report := protocol.StatusReport{
		UptimeSeconds: int64(time.Since(a.startedAt).Seconds()),
		SessionActive: a.mgr.Active(),
	}
	if u, err := user.Current(); err == nil {
		report.CurrentUser = u.Username
	}
	return report
}

// decode re-marshals an envelope's data field into a typed message.
func decode(data any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

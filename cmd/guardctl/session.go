package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/irfndi/hrguard/internal/bootstrap"
	"github.com/irfndi/hrguard/internal/models"
	"github.com/irfndi/hrguard/internal/services/pubsub"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func sessionIDFlag(required bool) *cli.StringFlag {
	return &cli.StringFlag{Name: "id", Usage: "Session id", Required: required}
}

func sessionCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Start, touch and revoke idle-timeout sessions",
		Subcommands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "Start a session for a principal",
				Flags:  []cli.Flag{principalFlag()},
				Action: e.withGuards(sessionStart),
			},
			{
				Name:   "touch",
				Usage:  "Record activity; exits 4 when the session has expired",
				Flags:  []cli.Flag{sessionIDFlag(true)},
				Action: e.withGuards(sessionTouch),
			},
			{
				Name:  "invalidate",
				Usage: "End one session (--id) or every session of a principal (--principal)",
				Flags: []cli.Flag{
					sessionIDFlag(false),
					&cli.StringFlag{Name: "principal", Aliases: []string{"p"}, Usage: "Revoke all sessions of this principal"},
				},
				Action: e.withGuards(sessionInvalidate),
			},
			{
				Name:   "purge",
				Usage:  "Delete sessions idle longer than the timeout",
				Action: e.withGuards(sessionPurge),
			},
		},
	}
}

func sessionStart(cCtx *cli.Context, app *bootstrap.App, out printer) error {
	rec, err := app.Sessions.Start(cCtx.Context, cCtx.String("principal"))
	if err != nil {
		return err
	}
	view := models.SessionStartResponse{
		SessionID:          rec.SessionID,
		PrincipalID:        rec.PrincipalID,
		CreatedAt:          rec.CreatedAt,
		IdleTimeoutSeconds: int(app.Sessions.Config().IdleTimeout.Seconds()),
	}
	return out.print(view, func(w io.Writer) {
		fmt.Fprintf(w, "Started session %s for %s (idle timeout %ds)\n", view.SessionID, view.PrincipalID, view.IdleTimeoutSeconds)
	})
}

func sessionTouch(cCtx *cli.Context, app *bootstrap.App, out printer) error {
	sessionID := cCtx.String("id")
	result, err := app.Sessions.Touch(cCtx.Context, sessionID)
	if err != nil {
		return err
	}

	view := models.SessionTouchResponse{Status: string(result.Status), Message: result.Message()}
	if result.Valid() {
		view.RemainingSeconds = result.RemainingSeconds()
		view.NearingExpiry = result.NearingExpiry
		if result.NearingExpiry {
			view.CountdownSeconds = int(result.Countdown.Seconds())
		}
	} else {
		if err := app.Sessions.Invalidate(cCtx.Context, sessionID); err != nil {
			app.Logger.Warn("Failed to invalidate expired session", zap.String("session_id", sessionID), zap.Error(err))
		}
		if result.PrincipalID != "" && app.Events != nil {
			payload := pubsub.SessionExpiredPayload{SessionID: sessionID, IdleSeconds: result.Elapsed.Seconds()}
			if err := app.Events.PublishSessionExpired(cCtx.Context, result.PrincipalID, payload); err != nil {
				app.Logger.Warn("Failed to publish session expiry", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}

	if err := out.print(view, func(w io.Writer) {
		if !result.Valid() {
			fmt.Fprintf(w, "%s: %s\n", view.Status, view.Message)
			return
		}
		fmt.Fprintf(w, "valid: %s remaining", time.Duration(view.RemainingSeconds)*time.Second)
		if view.NearingExpiry {
			fmt.Fprintf(w, " (%s)", view.Message)
		}
		fmt.Fprintln(w)
	}); err != nil {
		return err
	}
	if !result.Valid() {
		return cli.Exit("", exitSessionExpired)
	}
	return nil
}

func sessionInvalidate(cCtx *cli.Context, app *bootstrap.App, out printer) error {
	sessionID, principalID := cCtx.String("id"), cCtx.String("principal")
	switch {
	case sessionID != "" && principalID != "":
		return errors.New("use either --id or --principal, not both")
	case sessionID != "":
		if err := app.Sessions.Invalidate(cCtx.Context, sessionID); err != nil {
			return err
		}
		return out.print(map[string]any{"session_id": sessionID, "invalidated": true}, func(w io.Writer) {
			fmt.Fprintf(w, "Invalidated session %s\n", sessionID)
		})
	case principalID != "":
		revoked, err := app.Sessions.InvalidatePrincipal(cCtx.Context, principalID)
		if err != nil {
			return err
		}
		app.Logger.LogSecurityEvent("sessions_revoked", principalID, map[string]interface{}{"revoked": revoked, "source": "guardctl"})
		return out.print(map[string]any{"principal_id": principalID, "revoked": revoked}, func(w io.Writer) {
			fmt.Fprintf(w, "Revoked %d sessions for %s\n", revoked, principalID)
		})
	default:
		return errors.New("--id or --principal is required")
	}
}

func sessionPurge(cCtx *cli.Context, app *bootstrap.App, out printer) error {
	purged, err := app.Sessions.PurgeExpired(cCtx.Context)
	if err != nil {
		return err
	}
	return out.print(map[string]any{"purged": purged}, func(w io.Writer) {
		fmt.Fprintf(w, "Purged %d expired sessions\n", purged)
	})
}

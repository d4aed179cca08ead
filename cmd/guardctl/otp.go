package main

import (
	"fmt"
	"io"
	"time"

	"github.com/irfndi/hrguard/internal/bootstrap"
	"github.com/irfndi/hrguard/internal/models"
	"github.com/irfndi/hrguard/internal/services"
	"github.com/irfndi/hrguard/internal/services/pubsub"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// Exit codes for policy outcomes, distinct from 1 for operational errors.
const (
	exitVerifyRefused  = 3
	exitSessionExpired = 4
)

func principalFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "principal",
		Aliases:  []string{"p"},
		Usage:    "Employee or principal id",
		Required: true,
	}
}

func otpCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "otp",
		Usage: "Issue, verify and inspect one-time codes",
		Subcommands: []*cli.Command{
			{
				Name:   "issue",
				Usage:  "Issue a new code, replacing any outstanding one and clearing a lockout",
				Flags:  []cli.Flag{principalFlag()},
				Action: e.withGuards(otpIssue),
			},
			{
				Name:  "verify",
				Usage: "Verify a code; exits 3 when the attempt is refused",
				Flags: []cli.Flag{
					principalFlag(),
					&cli.StringFlag{Name: "code", Aliases: []string{"c"}, Usage: "Code to verify", Required: true},
				},
				Action: e.withGuards(otpVerify),
			},
			{
				Name:   "status",
				Usage:  "Show the challenge, attempt count and lockout for a principal",
				Flags:  []cli.Flag{principalFlag()},
				Action: e.withGuards(otpStatus),
			},
			{
				Name:   "clear",
				Usage:  "Discard the outstanding code, attempts and lockout",
				Flags:  []cli.Flag{principalFlag()},
				Action: e.withGuards(otpClear),
			},
		},
	}
}

type issueView struct {
	PrincipalID string    `json:"principal_id"`
	Code        string    `json:"code"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func otpIssue(cCtx *cli.Context, app *bootstrap.App, out printer) error {
	issued, err := app.OTP.Issue(cCtx.Context, cCtx.String("principal"))
	if err != nil {
		return err
	}
	view := issueView{PrincipalID: issued.PrincipalID, Code: issued.Code, ExpiresAt: issued.ExpiresAt}
	return out.print(view, func(w io.Writer) {
		fmt.Fprintf(w, "Issued code %s for %s, expires %s\n", view.Code, view.PrincipalID, view.ExpiresAt.Format(time.RFC3339))
	})
}

func otpVerify(cCtx *cli.Context, app *bootstrap.App, out printer) error {
	principalID := cCtx.String("principal")
	result, err := app.OTP.Verify(cCtx.Context, principalID, cCtx.String("code"))
	if err != nil {
		return err
	}

	view := models.OTPVerifyResponse{Status: string(result.Status), Message: result.Message()}
	switch result.Status {
	case services.VerifySuccess:
		if app.StepUp != nil {
			grant, err := app.StepUp.Issue(principalID)
			if err != nil {
				return fmt.Errorf("failed to sign step-up grant: %w", err)
			}
			view.StepUpToken = grant.Token
			view.StepUpExpiresAt = &grant.ExpiresAt
		}
	case services.VerifyIncorrect:
		remaining := result.AttemptsRemaining
		view.AttemptsRemaining = &remaining
	case services.VerifyLocked, services.VerifyLockedNow:
		minutes, until := result.LockMinutes, result.LockedUntil
		view.LockMinutes = &minutes
		view.LockedUntil = &until
		if result.Status == services.VerifyLockedNow {
			onLockout(cCtx, app, principalID, result)
		}
	}

	if err := out.print(view, func(w io.Writer) {
		fmt.Fprintf(w, "%s: %s\n", view.Status, view.Message)
		if view.StepUpToken != "" {
			fmt.Fprintf(w, "Step-up token: %s\n", view.StepUpToken)
		}
	}); err != nil {
		return err
	}
	if result.Status != services.VerifySuccess {
		return cli.Exit("", exitVerifyRefused)
	}
	return nil
}

// onLockout mirrors the HTTP handler: optional session revocation, a
// security log line and a lockout event.
func onLockout(cCtx *cli.Context, app *bootstrap.App, principalID string, result services.VerifyResult) {
	var revoked int64
	if app.Config.Auth.RevokeSessionsOnLockout {
		n, err := app.Sessions.InvalidatePrincipal(cCtx.Context, principalID)
		if err != nil {
			app.Logger.Warn("Failed to revoke sessions after lockout", zap.String("principal_id", principalID), zap.Error(err))
		}
		revoked = n
	}
	app.Logger.LogSecurityEvent("otp_lockout", principalID, map[string]interface{}{
		"locked_until":     result.LockedUntil,
		"lock_minutes":     result.LockMinutes,
		"sessions_revoked": revoked,
	})
	if app.Events == nil {
		return
	}
	payload := pubsub.LockoutPayload{LockedUntil: result.LockedUntil, LockMinutes: result.LockMinutes}
	if err := app.Events.PublishLockout(cCtx.Context, principalID, payload); err != nil {
		app.Logger.Warn("Failed to publish lockout", zap.String("principal_id", principalID), zap.Error(err))
	}
}

func otpStatus(cCtx *cli.Context, app *bootstrap.App, out printer) error {
	status, err := app.OTP.Status(cCtx.Context, cCtx.String("principal"))
	if err != nil {
		return err
	}
	return out.print(status, func(w io.Writer) {
		fmt.Fprintf(w, "Principal:   %s\n", status.PrincipalID)
		fmt.Fprintf(w, "Outstanding: %t\n", status.Outstanding)
		if status.ExpiresAt != nil {
			fmt.Fprintf(w, "Expires:     %s (expired: %t)\n", status.ExpiresAt.Format(time.RFC3339), status.Expired)
		}
		fmt.Fprintf(w, "Attempts:    %d\n", status.Attempts)
		fmt.Fprintf(w, "Locked:      %t\n", status.Locked)
		if status.LockedUntil != nil {
			fmt.Fprintf(w, "Locked until: %s\n", status.LockedUntil.Format(time.RFC3339))
		}
	})
}

func otpClear(cCtx *cli.Context, app *bootstrap.App, out printer) error {
	principalID := cCtx.String("principal")
	if err := app.OTP.Clear(cCtx.Context, principalID); err != nil {
		return err
	}
	app.Logger.LogSecurityEvent("otp_cleared", principalID, map[string]interface{}{"source": "guardctl"})
	return out.print(map[string]any{"principal_id": principalID, "cleared": true}, func(w io.Writer) {
		fmt.Fprintf(w, "Cleared challenge for %s\n", principalID)
	})
}

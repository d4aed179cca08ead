package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/irfndi/hrguard/internal/bootstrap"
	"github.com/irfndi/hrguard/internal/services/pubsub"
	"github.com/irfndi/hrguard/internal/utils"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func eventsCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Follow guard events published on Redis",
		Subcommands: []*cli.Command{
			{
				Name:  "watch",
				Usage: "Print delivery, lockout and session expiry events until interrupted",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "count", Usage: "Stop after this many events (0 means no limit)"},
					&cli.BoolFlag{Name: "show-codes", Usage: "Print delivered codes unmasked"},
				},
				Action: e.withGuards(eventsWatch),
			},
		},
	}
}

type eventView struct {
	Type        pubsub.MessageType `json:"type"`
	Channel     string             `json:"channel"`
	PrincipalID string             `json:"principal_id,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	Data        json.RawMessage    `json:"data,omitempty"`
}

func eventsWatch(cCtx *cli.Context, app *bootstrap.App, out printer) error {
	if app.Redis == nil {
		return errors.New("events watch requires a reachable Redis")
	}
	limit, showCodes := cCtx.Int("count"), cCtx.Bool("show-codes")

	received := make(chan eventView)
	sub := pubsub.NewSubscriber(app.Redis.Client, app.Logger.Logger())
	relay(sub, pubsub.MessageTypeDelivery, received, func(p *pubsub.DeliveryPayload) {
		if !showCodes {
			p.Code = utils.MaskCode(p.Code)
		}
	})
	relay[pubsub.LockoutPayload](sub, pubsub.MessageTypeLockout, received, nil)
	relay[pubsub.SessionExpiredPayload](sub, pubsub.MessageTypeSessionExpired, received, nil)

	if err := sub.Watch(cCtx.Context); err != nil {
		return err
	}
	defer func() {
		_ = sub.Close()
		stats := sub.Stats()
		app.Logger.Debug("Stopped watching guard events",
			zap.Int64("received", stats.Received),
			zap.Int64("dropped", stats.Dropped),
			zap.Int64("failed", stats.Failed),
		)
	}()

	for seen := 0; limit <= 0 || seen < limit; seen++ {
		select {
		case <-cCtx.Context.Done():
			return nil
		case view := <-received:
			if err := out.print(view, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s %s %s\n", view.Timestamp.Format(time.RFC3339), view.Type, view.PrincipalID, view.Data)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// relay decodes events of msgType into T, applies redact when set and
// forwards the result to out.
func relay[T any](sub *pubsub.Subscriber, msgType pubsub.MessageType, out chan<- eventView, redact func(*T)) {
	pubsub.Handle(sub, msgType, func(ctx context.Context, env pubsub.Envelope, payload T) error {
		if redact != nil {
			redact(&payload)
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		view := eventView{
			Type:        env.Type,
			Channel:     env.Channel,
			PrincipalID: env.PrincipalID,
			Timestamp:   env.Timestamp,
			Data:        data,
		}
		select {
		case out <- view:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

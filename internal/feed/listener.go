package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// DiffChannel is the NOTIFY channel fired by the diff insert trigger.
const DiffChannel = "ban_diff"

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Listen holds a dedicated connection LISTENing on channel and calls notify
// for every notification. Lost connections are re-established with backoff;
// notify is also called after each reconnect since notifications sent while
// disconnected are lost.
func Listen(ctx context.Context, dsn, channel string, notify func(), logger *slog.Logger) error {
	backoff := minBackoff
	for {
		err := listenOnce(ctx, dsn, channel, notify, func() { backoff = minBackoff })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WarnContext(ctx, "diff listener disconnected", "channel", channel, "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func listenOnce(ctx context.Context, dsn, channel string, notify, connected func()) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	connected()
	notify()

	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		notify()
	}
}

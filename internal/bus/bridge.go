package bus

import (
	"context"
	"log/slog"
)

// Bridge forwards envelopes in both directions between two transports until
// ctx is cancelled or either side closes. It is used to attach a remote
// context (a websocket client or a NATS peer) to a hub endpoint.
func Bridge(ctx context.Context, local, remote Transport, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pump := func(from, to Transport, direction string) {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-from.Receive():
				if !ok {
					return
				}
				if err := to.Send(ctx, env); err != nil {
					logger.Debug("Bridge forward failed",
						slog.String("direction", direction),
						slog.String("type", env.Type),
						slog.String("target", env.Target),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}

	done := make(chan struct{})
	go func() {
		pump(remote, local, "inbound")
		close(done)
	}()
	pump(local, remote, "outbound")
	<-done
}

package realtime

import (
	"context"
	"fmt"
	"time"
)

// keepalive pings the service every interval. A ping that is not answered
// within one interval closes the link with the ping error.
func (l *Link) keepalive(interval time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(l.ctx, interval)
		err := l.conn.Ping(ctx)
		cancel()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.terminate(fmt.Errorf("realtime: keepalive: %w", err))
			return
		}
	}
}

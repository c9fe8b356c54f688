package link

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DialWithBackoff dials addr, retrying with exponential backoff until ctx
// is cancelled or a connection succeeds. It is used when a known peer's
// outbound link drops and must be re-established without a thundering
// herd of immediate retries.
func DialWithBackoff(ctx context.Context, addr string, dialTimeout time.Duration) (net.Conn, error) {
	op := func() (net.Conn, error) {
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.Retry(ctx, op, backoff.WithBackOff(b))
}

package gatewayhttp

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// withRouteTimeout derives a cancellation context linked to the
// request's native cancellation (client disconnect) and a deadline of
// timeoutSeconds: the resulting context fires on whichever of
// (client-disconnect OR route-timeout) happens first.
func withRouteTimeout(r *http.Request, timeoutSeconds int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), time.Duration(timeoutSeconds)*time.Second)
}

// timedOut reports whether ctx's cancellation is attributable to the
// deadline actually firing, as opposed to the client disconnecting
// (which also cancels ctx, but silently). A 504 is only warranted when
// the timeout fired and the client did not itself disconnect.
func timedOut(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"context"
	"time"

	"github.com/momentics/hioload-net/api"
)

// Authorizer resolves aliases from a fixed map, optionally after a delay.
// Unknown peers are rejected.
type Authorizer struct {
	Aliases map[string]string
	Delay   time.Duration
}

var _ api.Authorizer = (*Authorizer)(nil)

func (a *Authorizer) ResolveAlias(ctx context.Context, remoteAddr string) (string, error) {
	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if alias, ok := a.Aliases[remoteAddr]; ok {
		return alias, nil
	}
	return "", &api.UnauthorizedSenderError{Peer: remoteAddr, Reason: "unknown peer"}
}

// File: auth/auth.go
// Package auth provides peer authorization through alias tables.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package auth

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/momentics/hioload-net/api"
)

// AllowAll accepts every peer and uses its address as alias.
type AllowAll struct{}

func (AllowAll) ResolveAlias(_ context.Context, remoteAddr string) (string, error) {
	return remoteAddr, nil
}

// AliasTable maps peer addresses to aliases. Entries may be keyed by full
// "host:port" or by host alone; the full address wins. The table can be
// replaced while connections are being set up.
type AliasTable struct {
	table        atomic.Pointer[map[string]string]
	allowUnknown atomic.Bool
}

var (
	_ api.Authorizer = (*AliasTable)(nil)
	_ api.Authorizer = AllowAll{}
)

// NewAliasTable copies aliases into a new table. With allowUnknown set,
// peers missing from the table are accepted under their own address.
func NewAliasTable(aliases map[string]string, allowUnknown bool) *AliasTable {
	t := &AliasTable{}
	t.Replace(aliases, allowUnknown)
	return t
}

// Replace swaps the table atomically.
func (t *AliasTable) Replace(aliases map[string]string, allowUnknown bool) {
	m := make(map[string]string, len(aliases))
	for k, v := range aliases {
		m[k] = v
	}
	t.table.Store(&m)
	t.allowUnknown.Store(allowUnknown)
}

// Len returns the number of entries.
func (t *AliasTable) Len() int { return len(*t.table.Load()) }

func (t *AliasTable) ResolveAlias(ctx context.Context, remoteAddr string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m := *t.table.Load()
	if alias, ok := m[remoteAddr]; ok {
		return alias, nil
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		if alias, ok := m[host]; ok {
			return alias, nil
		}
	}
	if t.allowUnknown.Load() {
		return remoteAddr, nil
	}
	return "", &api.UnauthorizedSenderError{Peer: remoteAddr, Reason: "not in alias table"}
}

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/api"
)

func TestAliasTableLookup(t *testing.T) {
	tbl := NewAliasTable(map[string]string{
		"10.0.0.1":      "plant-a",
		"10.0.0.1:4000": "plant-a-main",
	}, false)
	ctx := context.Background()

	alias, err := tbl.ResolveAlias(ctx, "10.0.0.1:4000")
	require.NoError(t, err)
	assert.Equal(t, "plant-a-main", alias)

	alias, err = tbl.ResolveAlias(ctx, "10.0.0.1:5000")
	require.NoError(t, err)
	assert.Equal(t, "plant-a", alias)

	_, err = tbl.ResolveAlias(ctx, "10.9.9.9:1")
	var ue *api.UnauthorizedSenderError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "10.9.9.9:1", ue.Peer)
}

func TestAliasTableReplace(t *testing.T) {
	tbl := NewAliasTable(nil, false)
	assert.Equal(t, 0, tbl.Len())

	tbl.Replace(map[string]string{"127.0.0.1": "local"}, true)
	assert.Equal(t, 1, tbl.Len())

	alias, err := tbl.ResolveAlias(context.Background(), "192.168.1.1:1")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1:1", alias)
}

func TestAliasTableHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewAliasTable(nil, true).ResolveAlias(ctx, "x:1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAllowAll(t *testing.T) {
	alias, err := AllowAll{}.ResolveAlias(context.Background(), "192.168.1.9:7000")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.9:7000", alias)
}

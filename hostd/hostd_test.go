package hostd_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HPSI/xen-v4v/client"
	"github.com/HPSI/xen-v4v/hostd"
	"github.com/HPSI/xen-v4v/wire"
)

// startDaemon runs a daemon on a throwaway socket and returns a connected
// client.
func startDaemon(t *testing.T) *client.Client {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "v4v.sock")
	cfg := hostd.DefaultConfig()
	cfg.Hostd.Endpoint = sock

	h, err := hostd.New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	c, err := client.NewClient(sock, client.WithTimeout(5*time.Second))
	require.NoError(t, err)

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	require.NoError(t, c.Connect(dialCtx))
	t.Cleanup(func() { c.Close() })
	return c
}

func Test_EndToEnd(t *testing.T) {
	c := startDaemon(t)

	require.NoError(t, c.CreateDomain(1))
	require.NoError(t, c.CreateDomain(2))
	assert.Error(t, c.CreateDomain(2), "duplicate domain")

	require.NoError(t, c.RegisterRing(2, 100, wire.DomainAny, 208, 0x100, 1))

	dst := wire.Address{Domain: 2, Port: 100}
	n, err := c.Send(1, dst, 0x7, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	// The send raised the receiver's event channel.
	info, err := c.Info(2)
	require.NoError(t, err)
	assert.Equal(t, wire.RingMagic, info.RingMagic)
	require.NoError(t, c.Wait(2, info.Port, 1000))

	hdr, payload, err := c.Recv(2, 100, wire.DomainAny)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)
	assert.Equal(t, wire.Address{Domain: 1, Port: 0}, hdr.Source)
	assert.Equal(t, uint32(0x7), hdr.Type)

	// Drained ring reports empty with room for the whole window.
	ents, err := c.Notify(1, []wire.RingDataEnt{{Ring: dst, SpaceRequired: 16}})
	require.NoError(t, err)
	assert.Equal(t, wire.DataFlagExists|wire.DataFlagEmpty|wire.DataFlagSufficient, ents[0].Flags)
	assert.Equal(t, uint32(208-32), ents[0].MaxMessageSize)
}

func Test_RulesOverSocket(t *testing.T) {
	c := startDaemon(t)
	require.NoError(t, c.CreateDomain(0))
	require.NoError(t, c.CreateDomain(3))
	require.NoError(t, c.CreateDomain(4))
	require.NoError(t, c.RegisterRing(4, 200, wire.DomainAny, 208, 0x100, 1))

	reject := wire.Rule{
		Accept: false,
		Src:    wire.Address{Domain: wire.DomainAny, Port: wire.PortAny},
		Dst:    wire.Address{Domain: 4, Port: 200},
	}
	require.NoError(t, c.AddRule(0, reject, 0))

	_, err := c.Send(3, wire.Address{Domain: 4, Port: 200}, 0, []byte{1})
	assert.Error(t, err)

	rules, err := c.ListRules(0, 0, 16)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, reject, rules[0])

	// First-match-wins: accept inserted ahead of the reject.
	accept := wire.Rule{
		Accept: true,
		Src:    wire.Address{Domain: 3, Port: wire.PortAny},
		Dst:    wire.Address{Domain: 4, Port: 200},
	}
	require.NoError(t, c.AddRule(0, accept, 1))
	_, err = c.Send(3, wire.Address{Domain: 4, Port: 200}, 0, []byte{1})
	assert.NoError(t, err)

	require.NoError(t, c.DelRule(0, nil, -1))
	rules, err = c.ListRules(0, 0, 16)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func Test_DestroyOverSocket(t *testing.T) {
	c := startDaemon(t)
	require.NoError(t, c.CreateDomain(1))
	require.NoError(t, c.CreateDomain(2))
	require.NoError(t, c.RegisterRing(2, 100, wire.DomainAny, 208, 0x100, 1))

	require.NoError(t, c.DestroyDomain(2))

	_, err := c.Send(1, wire.Address{Domain: 2, Port: 100}, 0, []byte{1})
	assert.Error(t, err)

	// The id is free for a fresh domain afterwards.
	require.NoError(t, c.CreateDomain(2))
}

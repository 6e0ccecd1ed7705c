package replica

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshdata/meshdata-go/pkg/eventloop"
	"github.com/meshdata/meshdata-go/pkg/netdata"
	"github.com/meshdata/meshdata-go/pkg/transport/mocks"
	"github.com/meshdata/meshdata-go/pkg/wire"
)

const (
	parentRLOC = 0x0800
	otherRLOC  = 0x0c00
)

func TestClientRequestsOnNewerAnnouncement(t *testing.T) {
	sender := mocks.NewMockSender(t)
	sender.EXPECT().Send(uint16(parentRLOC), wire.DataRequest{Mode: netdata.SyncFull}).Return(nil).Once()

	loop := eventloop.New(eventloop.Config{Seed: 1})
	m := NewMirror(netdata.SyncFull)
	c := NewClient(loop, sender, m, parentRLOC, DefaultClientConfig())

	// Announcements from non-parents are ignored.
	c.HandleAnnouncement(otherRLOC, wire.LeaderData{LeaderID: 1, Version: netdata.Version{Full: 1, Stable: 1}})
	assert.Equal(t, StateInSync, c.State())

	ld := wire.LeaderData{LeaderID: 1, Version: netdata.Version{Full: 1, Stable: 1}}
	c.HandleAnnouncement(parentRLOC, ld)
	assert.Equal(t, StateSyncing, c.State())

	// Duplicate announcement inside the request timeout does not resend.
	c.HandleAnnouncement(parentRLOC, ld)

	applied := c.HandleResponse(parentRLOC, wire.DataResponse{
		Leader:  ld,
		Mode:    netdata.SyncFull,
		Entries: wire.EntriesFrom(scenarioData(t)),
	})
	assert.True(t, applied)
	assert.Equal(t, StateInSync, c.State())
	assert.Equal(t, 3, m.Load().Data.Len())

	// Same version again: nothing to fetch.
	c.HandleAnnouncement(parentRLOC, ld)
	assert.Equal(t, StateInSync, c.State())
}

func TestClientRetriesAfterLostResponse(t *testing.T) {
	sender := mocks.NewMockSender(t)
	sender.EXPECT().Send(uint16(parentRLOC), wire.DataRequest{Mode: netdata.SyncStableOnly}).Return(nil).Times(2)

	loop := eventloop.New(eventloop.Config{Seed: 1})
	c := NewClient(loop, sender, NewMirror(netdata.SyncStableOnly), parentRLOC, DefaultClientConfig())

	ld := wire.LeaderData{LeaderID: 1, Version: netdata.Version{Full: 2, Stable: 1}}
	c.HandleAnnouncement(parentRLOC, ld)
	loop.RunFor(500 * time.Millisecond)
	c.HandleAnnouncement(parentRLOC, ld)

	// The response never arrived; the next announcement after the timeout
	// repeats the request.
	loop.RunFor(time.Second)
	c.HandleAnnouncement(parentRLOC, ld)
	assert.Equal(t, StateSyncing, c.State())
}

func TestClientIgnoresStaleResponse(t *testing.T) {
	sender := mocks.NewMockSender(t)
	loop := eventloop.New(eventloop.Config{Seed: 1})
	m := NewMirror(netdata.SyncFull)
	require.True(t, m.Apply(1, netdata.Version{Full: 5, Stable: 3}, scenarioData(t)))
	c := NewClient(loop, sender, m, parentRLOC, DefaultClientConfig())

	applied := c.HandleResponse(parentRLOC, wire.DataResponse{
		Leader: wire.LeaderData{LeaderID: 1, Version: netdata.Version{Full: 4, Stable: 3}},
	})
	assert.False(t, applied)
	assert.Equal(t, 3, m.Load().Data.Len())

	// An older announcement never triggers a request.
	c.HandleAnnouncement(parentRLOC, wire.LeaderData{LeaderID: 1, Version: netdata.Version{Full: 4, Stable: 3}})
	assert.Equal(t, StateInSync, c.State())
}

func TestClientResponseFromOtherNeighborIgnored(t *testing.T) {
	sender := mocks.NewMockSender(t)
	loop := eventloop.New(eventloop.Config{Seed: 1})
	m := NewMirror(netdata.SyncFull)
	c := NewClient(loop, sender, m, parentRLOC, DefaultClientConfig())

	assert.False(t, c.HandleResponse(otherRLOC, wire.DataResponse{
		Leader:  wire.LeaderData{LeaderID: 1, Version: netdata.Version{Full: 1, Stable: 1}},
		Entries: wire.EntriesFrom(scenarioData(t)),
	}))
	assert.Zero(t, m.Load().LeaderID)
}

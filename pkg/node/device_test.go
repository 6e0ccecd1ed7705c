package node

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshdata/meshdata-go/pkg/address"
	"github.com/meshdata/meshdata-go/pkg/eventloop"
	"github.com/meshdata/meshdata-go/pkg/log"
	"github.com/meshdata/meshdata-go/pkg/netdata"
	"github.com/meshdata/meshdata-go/pkg/propagation"
	"github.com/meshdata/meshdata-go/pkg/replica"
	"github.com/meshdata/meshdata-go/pkg/transport"
	"github.com/meshdata/meshdata-go/pkg/wire"
)

const (
	leaderRLOC = 0x0400
	routerRLOC = 0x0800
	fullRLOC   = 0x0801
	sleepyRLOC = 0x0802
)

var (
	prefix1 = netip.MustParsePrefix("2001:2:0:1::/64")
	prefix2 = netip.MustParsePrefix("2001:2:0:2::/64")
	prefix3 = netip.MustParsePrefix("2001:2:0:3::/64")
)

type testMesh struct {
	loop   *eventloop.Loop
	medium *transport.Medium
	rec    *log.Recorder
	leader *Device
	router *Device
	full   *Device
	sleepy *Device
}

func newTestMesh(t *testing.T, store netdata.StoreConfig) *testMesh {
	t.Helper()
	m := &testMesh{
		loop: eventloop.New(eventloop.Config{Seed: 42}),
		rec:  &log.Recorder{},
	}
	mcfg := transport.DefaultConfig()
	mcfg.Seed = 42
	medium, err := transport.NewMedium(m.loop, mcfg)
	require.NoError(t, err)
	m.medium = medium

	build := func(cfg Config) *Device {
		cfg.ExtAddr = address.ExtAddrFromUint64(0x1000 + uint64(cfg.RLOC))
		cfg.Engine = propagation.DefaultConfig()
		cfg.ProtocolLogger = m.rec
		d, err := New(m.loop, medium, cfg)
		require.NoError(t, err)
		return d
	}
	rsdn := wire.ModeRxOnWhenIdle | wire.ModeSecureDataRequests | wire.ModeFullDevice | wire.ModeFullNetworkData
	m.leader = build(Config{Name: "LEADER", RLOC: leaderRLOC, Kind: KindLeader, LeaderID: 1, Mode: rsdn, Store: store})
	m.router = build(Config{Name: "ROUTER", RLOC: routerRLOC, Kind: KindRouter, Parent: leaderRLOC, Mode: rsdn})
	m.full = build(Config{
		Name: "ED1", RLOC: fullRLOC, Kind: KindChild, Parent: routerRLOC,
		Mode: wire.ModeRxOnWhenIdle | wire.ModeSecureDataRequests | wire.ModeFullNetworkData,
	})
	m.sleepy = build(Config{
		Name: "SED1", RLOC: sleepyRLOC, Kind: KindChild, Parent: routerRLOC,
		Mode: wire.ModeSecureDataRequests, Timeout: 3 * time.Second,
	})

	require.NoError(t, medium.Link(leaderRLOC, routerRLOC))
	require.NoError(t, medium.Link(routerRLOC, fullRLOC))
	require.NoError(t, medium.Link(routerRLOC, sleepyRLOC))
	return m
}

func (m *testMesh) start() {
	for _, d := range []*Device{m.leader, m.router, m.full, m.sleepy} {
		d.Start()
	}
}

func (m *testMesh) registerScenario(t *testing.T) {
	t.Helper()
	require.NoError(t, m.router.AddPrefix(prefix1.String(), "paros"))
	require.NoError(t, m.router.AddPrefix(prefix2.String(), "paro"))
	require.NoError(t, m.router.RegisterNetdata())
}

func prefixesOf(d *Device) []netip.Prefix {
	data, _ := d.Netdata()
	var out []netip.Prefix
	for _, e := range data.Entries() {
		out = append(out, e.Prefix)
	}
	return out
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    wire.DeviceMode
		sleepy  bool
		wantErr bool
	}{
		{"rsn", wire.ModeRxOnWhenIdle | wire.ModeSecureDataRequests | wire.ModeFullNetworkData, false, false},
		{"s", wire.ModeSecureDataRequests, true, false},
		{"rsdn", wire.ModeRxOnWhenIdle | wire.ModeSecureDataRequests | wire.ModeFullDevice | wire.ModeFullNetworkData, false, false},
		{"-", 0, true, false},
		{"rx", 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.sleepy, got.Sleepy())
		})
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("router")
	require.NoError(t, err)
	assert.Equal(t, KindRouter, k)

	_, err = ParseKind("border")
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no name", Config{RLOC: 1}},
		{"leader without id", Config{Name: "L", RLOC: leaderRLOC, Kind: KindLeader, Mode: wire.ModeRxOnWhenIdle}},
		{"own parent", Config{Name: "C", RLOC: fullRLOC, Parent: fullRLOC}},
		{"sleepy router", Config{Name: "R", RLOC: routerRLOC, Kind: KindRouter, Parent: leaderRLOC}},
		{"broadcast rloc", Config{Name: "C", RLOC: wire.BroadcastRLOC, Parent: routerRLOC}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestAttachRoles(t *testing.T) {
	m := newTestMesh(t, netdata.StoreConfig{})
	assert.Equal(t, RoleDetached, m.router.State())

	m.start()
	m.loop.RunFor(5 * time.Second)

	assert.Equal(t, RoleLeader, m.leader.State())
	assert.Equal(t, RoleRouter, m.router.State())
	assert.Equal(t, RoleChild, m.full.State())
	assert.Equal(t, RoleChild, m.sleepy.State())

	children := m.router.Children()
	require.Len(t, children, 2)
	assert.True(t, children[1].Sleepy())
	assert.Equal(t, 12*time.Second, children[1].Timeout)

	// Every device knows the Leader even without data.
	assert.Equal(t, uint32(1), m.full.LeaderID())
	assert.Equal(t, uint32(1), m.sleepy.LeaderID())

	role := log.CategoryState
	assert.NotEmpty(t, m.rec.Events(log.Filter{Device: "SED1", Category: &role}))
}

func TestRegistrationReachesEveryTier(t *testing.T) {
	m := newTestMesh(t, netdata.StoreConfig{})
	m.start()
	m.loop.RunFor(2 * time.Second)
	m.registerScenario(t)
	m.loop.RunFor(10 * time.Second)

	_, v := m.leader.Netdata()
	assert.Equal(t, netdata.Version{Full: 1, Stable: 1}, v)

	ack, ok := m.router.LastRegistration()
	require.True(t, ok)
	assert.Equal(t, wire.StatusSuccess, ack.Status)
	assert.False(t, m.router.RegistrationPending())

	assert.Equal(t, []netip.Prefix{prefix1, prefix2}, prefixesOf(m.router))
	assert.Equal(t, []netip.Prefix{prefix1, prefix2}, prefixesOf(m.full))
	assert.Equal(t, []netip.Prefix{prefix1}, prefixesOf(m.sleepy))

	// Link-local plus one address per SLAAC prefix.
	assert.Len(t, m.full.Addrs(), 3)
	assert.Len(t, m.sleepy.Addrs(), 2)
	assert.Len(t, address.Filter(m.sleepy.Addrs(), prefix2), 0)

	// Adding a stable prefix reaches the sleepy child; removing it withdraws
	// the address again.
	require.NoError(t, m.router.AddPrefix(prefix3.String(), "pacs"))
	require.NoError(t, m.router.RegisterNetdata())
	m.loop.RunFor(10 * time.Second)
	assert.Equal(t, []netip.Prefix{prefix1, prefix3}, prefixesOf(m.sleepy))
	assert.Len(t, address.Filter(m.sleepy.Addrs(), prefix3), 1)

	require.NoError(t, m.router.RemovePrefix(prefix3.String()))
	require.NoError(t, m.router.RegisterNetdata())
	m.loop.RunFor(10 * time.Second)
	assert.Equal(t, []netip.Prefix{prefix1}, prefixesOf(m.sleepy))
	assert.Equal(t, []netip.Prefix{prefix1, prefix2}, prefixesOf(m.full))
	assert.Empty(t, address.Filter(m.sleepy.Addrs(), prefix3))
}

func TestReregisterWithoutChangeKeepsVersion(t *testing.T) {
	m := newTestMesh(t, netdata.StoreConfig{})
	m.start()
	m.loop.RunFor(2 * time.Second)
	m.registerScenario(t)
	m.loop.RunFor(10 * time.Second)
	_, before := m.leader.Netdata()

	require.NoError(t, m.router.RegisterNetdata())
	m.loop.RunFor(10 * time.Second)
	_, after := m.leader.Netdata()
	assert.Equal(t, before, after)
	_, fv := m.full.Netdata()
	assert.Equal(t, before, fv)
}

func TestLocalEditsValidated(t *testing.T) {
	m := newTestMesh(t, netdata.StoreConfig{})
	assert.ErrorIs(t, m.router.AddPrefix("2001:2:0:1::1/64", "paros"), netdata.ErrInvalidPrefix)
	assert.ErrorIs(t, m.router.AddPrefix("10.0.0.0/8", "paros"), netdata.ErrInvalidPrefix)
	assert.ErrorIs(t, m.router.AddPrefix(prefix1.String(), "pq"), netdata.ErrInvalidFlags)
	assert.ErrorIs(t, m.router.RemovePrefix(prefix1.String()), netdata.ErrNotFound)
	assert.ErrorIs(t, m.router.RegisterNetdata(), ErrNotRunning)
}

func TestLeaderRegistration(t *testing.T) {
	m := newTestMesh(t, netdata.StoreConfig{MaxEntries: 2})
	m.start()
	m.loop.RunFor(time.Second)

	require.NoError(t, m.leader.AddPrefix(prefix1.String(), "paros"))
	require.NoError(t, m.leader.RegisterNetdata())
	_, v := m.leader.Netdata()
	assert.Equal(t, netdata.Version{Full: 1, Stable: 1}, v)

	// Same registration again: no change.
	require.NoError(t, m.leader.RegisterNetdata())
	_, v = m.leader.Netdata()
	assert.Equal(t, netdata.Version{Full: 1, Stable: 1}, v)

	require.NoError(t, m.leader.AddPrefix(prefix2.String(), "paro"))
	require.NoError(t, m.leader.AddPrefix(prefix3.String(), "pacs"))
	err := m.leader.RegisterNetdata()
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, netdata.ErrCapacityExceeded)
	_, v = m.leader.Netdata()
	assert.Equal(t, netdata.Version{Full: 1, Stable: 1}, v)
}

func TestCapacityRejectionReachesRouter(t *testing.T) {
	m := newTestMesh(t, netdata.StoreConfig{MaxEntries: 1})
	m.start()
	m.loop.RunFor(2 * time.Second)
	m.registerScenario(t)
	m.loop.RunFor(10 * time.Second)

	ack, ok := m.router.LastRegistration()
	require.True(t, ok)
	assert.Equal(t, wire.StatusCapacityExceeded, ack.Status)
	data, v := m.leader.Netdata()
	assert.Zero(t, data.Len())
	assert.Equal(t, netdata.Version{}, v)
	assert.False(t, m.router.RegistrationPending(), "rejections are not retried")
}

func TestPing(t *testing.T) {
	m := newTestMesh(t, netdata.StoreConfig{})
	m.start()
	m.loop.RunFor(2 * time.Second)
	m.registerScenario(t)
	m.loop.RunFor(10 * time.Second)

	var results []PingResult
	for _, d := range []*Device{m.router, m.full, m.sleepy} {
		for _, a := range d.Addrs()[1:] {
			require.NoError(t, m.leader.Ping(a, 5*time.Second, func(r PingResult) {
				results = append(results, r)
			}))
		}
	}
	m.loop.RunFor(6 * time.Second)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.True(t, r.OK, "ping %s", r.Addr)
	}

	err := m.leader.Ping(netip.MustParseAddr("2001:db8::1"), time.Second, func(PingResult) {})
	assert.ErrorIs(t, err, ErrNoRoute)

	// Inside a known prefix but nobody owns it.
	var lost []PingResult
	require.NoError(t, m.leader.Ping(netip.MustParseAddr("2001:2:0:1::dead"), time.Second, func(r PingResult) {
		lost = append(lost, r)
	}))
	m.loop.RunFor(2 * time.Second)
	require.Len(t, lost, 1)
	assert.False(t, lost[0].OK)
}

func TestSleepyDegradeKeepsMirror(t *testing.T) {
	m := newTestMesh(t, netdata.StoreConfig{})
	m.start()
	m.loop.RunFor(2 * time.Second)
	m.registerScenario(t)
	m.loop.RunFor(10 * time.Second)
	require.Equal(t, []netip.Prefix{prefix1}, prefixesOf(m.sleepy))

	m.medium.Unlink(routerRLOC, sleepyRLOC)
	m.loop.RunFor(20 * time.Second)
	assert.Equal(t, RoleDetached, m.sleepy.State())
	assert.Equal(t, []netip.Prefix{prefix1}, prefixesOf(m.sleepy), "mirror kept while degraded")
	assert.Len(t, m.sleepy.Addrs(), 2)

	require.NoError(t, m.medium.Link(routerRLOC, sleepyRLOC))
	m.loop.RunFor(2 * time.Minute)
	assert.Equal(t, RoleChild, m.sleepy.State())
	assert.Equal(t, []netip.Prefix{prefix1}, prefixesOf(m.sleepy))
}

func TestRejectedChildClearsMirror(t *testing.T) {
	m := newTestMesh(t, netdata.StoreConfig{})
	m.start()
	m.loop.RunFor(2 * time.Second)
	m.registerScenario(t)
	m.loop.RunFor(10 * time.Second)

	var cleared bool
	m.sleepy.mirror.OnUpdate(func(u replica.Update) {
		if u.New.LeaderID == 0 {
			cleared = true
		}
	})
	require.NoError(t, m.router.RemoveChild(sleepyRLOC))
	m.loop.RunFor(30 * time.Second)

	assert.True(t, cleared, "rejection clears the mirror")
	assert.Equal(t, RoleChild, m.sleepy.State(), "reattached")
	assert.Equal(t, []netip.Prefix{prefix1}, prefixesOf(m.sleepy), "data fetched again")

	assert.ErrorIs(t, m.full.RemoveChild(sleepyRLOC), ErrNotChild)
}

func TestLeaderRestart(t *testing.T) {
	m := newTestMesh(t, netdata.StoreConfig{})
	m.start()
	m.loop.RunFor(2 * time.Second)
	m.registerScenario(t)
	m.loop.RunFor(10 * time.Second)

	require.NoError(t, m.leader.RestartLeader(2))
	m.loop.RunFor(20 * time.Second)

	for _, d := range []*Device{m.router, m.full, m.sleepy} {
		assert.Equal(t, uint32(2), d.LeaderID(), d.Name())
	}
	// The router registered again with the new Leader.
	assert.Equal(t, []netip.Prefix{prefix1, prefix2}, prefixesOf(m.leader))
	assert.Equal(t, []netip.Prefix{prefix1, prefix2}, prefixesOf(m.full))
	assert.Equal(t, []netip.Prefix{prefix1}, prefixesOf(m.sleepy))

	assert.ErrorIs(t, m.router.RestartLeader(3), ErrNotLeader)
	assert.ErrorIs(t, m.leader.RestartLeader(2), ErrInvalidConfig, "current id")
	assert.ErrorIs(t, m.leader.RestartLeader(1), ErrInvalidConfig, "retired id")
}

func TestSetTimeout(t *testing.T) {
	m := newTestMesh(t, netdata.StoreConfig{})
	m.start()
	m.loop.RunFor(2 * time.Second)

	require.NoError(t, m.sleepy.SetTimeout(5*time.Second))
	m.loop.RunFor(time.Second)
	c := m.router.Children()
	require.Len(t, c, 2)
	assert.Equal(t, 20*time.Second, c[1].Timeout)

	require.NoError(t, m.full.SetTimeout(30*time.Second))
	assert.ErrorIs(t, m.router.SetTimeout(time.Second), ErrNotChild)
}

func TestStop(t *testing.T) {
	m := newTestMesh(t, netdata.StoreConfig{})
	m.start()
	m.loop.RunFor(2 * time.Second)

	m.full.Stop()
	assert.Equal(t, RoleDetached, m.full.State())
	assert.False(t, m.full.Running())
	assert.ErrorIs(t, m.full.Ping(m.leader.Addrs()[0], time.Second, func(PingResult) {}), ErrNotRunning)
}

package node

import (
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/meshdata/meshdata-go/pkg/address"
	"github.com/meshdata/meshdata-go/pkg/eventloop"
	"github.com/meshdata/meshdata-go/pkg/wire"
)

// PingResult is the outcome of a Ping.
type PingResult struct {
	Addr netip.Addr
	OK   bool
	RTT  time.Duration
}

type echoKey struct {
	origin uint16
	seq    uint16
	reply  bool
}

type pendingPing struct {
	addr  netip.Addr
	sent  time.Time
	timer *eventloop.Timer
	cb    func(PingResult)
}

// Ping probes addr. The request floods the tree; the device owning addr
// answers along the reverse path. A sleepy device receives the request
// from its parent's indirect queue on its next poll, so timeout should
// cover a poll interval. cb runs on the event loop exactly once.
//
// Addresses outside every prefix of the mirror (and outside link-local)
// fail immediately with ErrNoRoute.
func (d *Device) Ping(addr netip.Addr, timeout time.Duration, cb func(PingResult)) error {
	if !d.running {
		return ErrNotRunning
	}
	if d.hasAddr(addr) {
		d.loop.After(0, func() { cb(PingResult{Addr: addr, OK: true}) })
		return nil
	}
	reachable, err := address.MeshPrefixes(d.mirror.Load().Data)
	if err != nil {
		return err
	}
	if !reachable.Contains(addr) {
		return fmt.Errorf("%w: %s", ErrNoRoute, addr)
	}

	d.echoSeq++
	seq := d.echoSeq
	me := d.config.RLOC
	d.echoes.Add(echoKey{origin: me, seq: seq}, me)
	p := &pendingPing{addr: addr, sent: d.loop.Now(), cb: cb}
	p.timer = d.loop.After(timeout, func() {
		if d.pings[seq] != p {
			return
		}
		delete(d.pings, seq)
		cb(PingResult{Addr: addr})
	})
	d.pings[seq] = p
	d.flood(me, wire.EchoRequest{Seq: seq, Origin: me, Target: wire.AddrBytes(addr)})
	return nil
}

func (d *Device) hasAddr(a netip.Addr) bool {
	return slices.Contains(d.Addrs(), a)
}

// treeNeighbors returns the parent and the children.
func (d *Device) treeNeighbors() []uint16 {
	var out []uint16
	if d.config.Kind != KindLeader {
		out = append(out, d.config.Parent)
	}
	for _, c := range d.Children() {
		out = append(out, c.RLOC)
	}
	return out
}

func (d *Device) flood(from uint16, msg wire.Message) {
	for _, n := range d.treeNeighbors() {
		if n != from {
			d.forward(n, msg)
		}
	}
}

func (d *Device) handleEchoRequest(from uint16, req wire.EchoRequest) {
	if seen, _ := d.echoes.ContainsOrAdd(echoKey{origin: req.Origin, seq: req.Seq}, from); seen {
		return
	}
	target, ok := wire.AddrFrom(req.Target)
	if !ok {
		return
	}
	if d.hasAddr(target) {
		d.forward(from, wire.EchoReply(req))
		return
	}
	d.flood(from, req)
}

func (d *Device) handleEchoReply(from uint16, rep wire.EchoReply) {
	if rep.Origin == d.config.RLOC {
		p, ok := d.pings[rep.Seq]
		if !ok {
			return
		}
		delete(d.pings, rep.Seq)
		p.timer.Stop()
		p.cb(PingResult{Addr: p.addr, OK: true, RTT: d.loop.Now().Sub(p.sent)})
		return
	}
	if seen, _ := d.echoes.ContainsOrAdd(echoKey{origin: rep.Origin, seq: rep.Seq, reply: true}, from); seen {
		return
	}
	if prev, ok := d.echoes.Peek(echoKey{origin: rep.Origin, seq: rep.Seq}); ok {
		d.forward(prev, rep)
	}
}

func (d *Device) failPings() {
	pings := d.pings
	d.pings = make(map[uint16]*pendingPing)
	for _, p := range pings {
		p.timer.Stop()
		p.cb(PingResult{Addr: p.addr})
	}
}

package node

import (
	"errors"
	"fmt"

	"github.com/meshdata/meshdata-go/pkg/netdata"
	"github.com/meshdata/meshdata-go/pkg/replica"
	"github.com/meshdata/meshdata-go/pkg/wire"
)

// AddPrefix adds or updates an entry of the device's local Server Data.
// The change reaches the Leader with the next RegisterNetdata.
func (d *Device) AddPrefix(prefix, flags string) error {
	p, err := netdata.ParsePrefix(prefix)
	if err != nil {
		return err
	}
	f, err := netdata.ParseFlags(flags)
	if err != nil {
		return err
	}
	d.local[p] = netdata.PrefixEntry{Prefix: p, Flags: f, Owner: d.config.RLOC}
	return nil
}

// RemovePrefix removes an entry from the local Server Data.
func (d *Device) RemovePrefix(prefix string) error {
	p, err := netdata.ParsePrefix(prefix)
	if err != nil {
		return err
	}
	if _, ok := d.local[p]; !ok {
		return fmt.Errorf("%w: %s", netdata.ErrNotFound, p)
	}
	delete(d.local, p)
	return nil
}

// LocalNetdata returns the local Server Data.
func (d *Device) LocalNetdata() netdata.DataSet {
	entries := make([]netdata.PrefixEntry, 0, len(d.local))
	for _, e := range d.local {
		entries = append(entries, e)
	}
	return netdata.NewDataSet(entries...)
}

// RegisterNetdata ships the complete local Server Data to the Leader.
//
// On the Leader the registration is applied at once and announced, even
// when nothing changed; capacity errors are returned. Elsewhere it travels
// hop by hop and is repeated until the Leader acknowledges it. After that
// the device registers again whenever its mirror stops reflecting the
// registered entries, for example after a Leader restart.
func (d *Device) RegisterNetdata() error {
	if !d.running {
		return ErrNotRunning
	}
	d.registered = d.LocalNetdata()
	d.hasRegistered = true
	if d.config.Kind == KindLeader {
		_, err := d.registerLocal()
		return err
	}
	d.sendRegistration()
	return nil
}

// LastRegistration returns the most recent acknowledgement of this
// device's registration.
func (d *Device) LastRegistration() (wire.ServerDataAck, bool) {
	return d.lastAck, d.hasAck
}

// Registered returns the Server Data shipped by the last RegisterNetdata,
// and whether there was one.
func (d *Device) Registered() (netdata.DataSet, bool) {
	return d.registered, d.hasRegistered
}

// RegistrationPending reports whether a registration awaits its ack.
func (d *Device) RegistrationPending() bool {
	return d.regPending
}

func (d *Device) registerLocal() (wire.ServerDataAck, error) {
	ack, err := d.applyRegistration(wire.ServerData{
		Owner:   d.config.RLOC,
		Entries: wire.EntriesFrom(d.registered),
	})
	d.recordAck(ack)
	return ack, err
}

// applyRegistration runs on the Leader. The Leader announces after every
// registration, changed or not.
func (d *Device) applyRegistration(sd wire.ServerData) (wire.ServerDataAck, error) {
	ack := wire.ServerDataAck{Owner: sd.Owner, Status: wire.StatusSuccess}
	data, err := wire.DataSetFrom(sd.Entries)
	if err == nil {
		_, _, err = d.store.ReplaceOwner(sd.Owner, data.Entries())
	}
	switch {
	case err == nil:
	case errors.Is(err, netdata.ErrCapacityExceeded):
		ack.Status = wire.StatusCapacityExceeded
	default:
		ack.Status = wire.StatusInvalidPrefix
	}
	ack.Version = d.store.Version()
	d.config.Metrics.Registered(ack.Status.String())
	d.logger.Debug("registration applied",
		"owner", sd.Owner, "entries", len(sd.Entries), "status", ack.Status.String(), "version", ack.Version.String())
	d.engine.Announce()
	if err != nil {
		return ack, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return ack, nil
}

func (d *Device) sendRegistration() {
	d.regPending = true
	d.regTimer.Stop()
	sd := wire.ServerData{Owner: d.config.RLOC, Entries: wire.EntriesFrom(d.registered)}
	if err := d.ep.Send(d.config.Parent, sd); err != nil {
		d.logger.Debug("registration send failed", "error", err)
	}
	d.regTimer = d.loop.After(registrationRetry, func() {
		if d.running && d.regPending {
			d.sendRegistration()
		}
	})
}

func (d *Device) handleServerData(from uint16, sd wire.ServerData) {
	if d.config.Kind == KindLeader {
		ack, _ := d.applyRegistration(sd)
		d.forward(from, ack)
		return
	}
	// Acks retrace the path of the registration.
	d.regRoutes[sd.Owner] = from
	if err := d.ep.Send(d.config.Parent, sd); err != nil {
		d.logger.Debug("registration relay failed", "owner", sd.Owner, "error", err)
	}
}

func (d *Device) handleServerDataAck(from uint16, ack wire.ServerDataAck) {
	if ack.Owner != d.config.RLOC {
		if next, ok := d.regRoutes[ack.Owner]; ok {
			d.forward(next, ack)
		}
		return
	}
	if from != d.config.Parent || !d.regPending {
		return
	}
	d.regPending = false
	d.regTimer.Stop()
	d.regTimer = nil
	d.recordAck(ack)
	if !ack.Status.IsSuccess() {
		d.logger.Warn("registration rejected", "status", ack.Status.String())
	}
}

func (d *Device) recordAck(ack wire.ServerDataAck) {
	d.lastAck = ack
	d.hasAck = true
	d.ackLeader = d.mirror.Load().LeaderID
}

// checkRegistration registers again when the mirror does not hold what was
// last registered. A rejection from the same Leader is not retried.
func (d *Device) checkRegistration(snap replica.Snapshot) {
	if !d.hasRegistered || d.regPending || snap.LeaderID == 0 {
		return
	}
	if d.hasAck && !d.lastAck.Status.IsSuccess() && d.ackLeader == snap.LeaderID {
		return
	}
	owner := d.config.RLOC
	held := snap.Data.Select(func(e netdata.PrefixEntry) bool { return e.Owner == owner })
	if d.registered.Filter(d.mirror.Mode()).Equal(held) {
		return
	}
	d.logger.Debug("mirror does not reflect registration", "held", held.Len(), "registered", d.registered.Len())
	d.sendRegistration()
}

// Package propagation distributes Network Data from a device to its
// children.
//
// An Engine runs on the Leader and on every Router. It announces the
// version pair of its mirror on a jittered heartbeat and whenever the
// mirror changes, answers DataRequest and DataPoll with the entries of the
// requested tier, and keeps the child table with an indirect queue for
// each sleepy child.
package propagation

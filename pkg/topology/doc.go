// Package topology loads mesh descriptions from YAML.
//
// A topology lists the devices of a mesh in tree order, Leader first, with
// each device's role, mode, parent and timeout, plus the link behavior and
// the Leader's Network Data limits:
//
//	name: expiration
//	link:
//	  delay: 5ms
//	  loss: 0.2
//	nodes:
//	  - {name: LEADER, role: leader, mode: rsdn}
//	  - {name: ROUTER, role: router, mode: rsdn, parent: LEADER}
//	  - {name: SED1, mode: s, parent: ROUTER, timeout: 3}
//
// Timeouts and intervals accept Go duration strings or plain seconds.
package topology

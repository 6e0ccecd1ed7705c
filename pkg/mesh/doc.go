// Package mesh assembles a simulated Thread mesh from a topology.
//
// A Network owns one event loop, one medium and a node.Device per topology
// node, linked along the tree. Tests drive it in virtual time with RunFor;
// the simulator wraps it in a Runner, which paces the loop in real time and
// serializes console commands with Call.
//
//	cfg, _ := topology.Load("topologies/expiration.yaml")
//	net, _ := mesh.New(*cfg, mesh.Options{})
//	net.Start()
//	net.RunFor(5 * time.Second)
//	_ = net.AddPrefix("ROUTER", "2001:2:0:1::/64", "paros")
//	_ = net.RegisterNetdata("ROUTER")
//	net.RunFor(10 * time.Second)
//	fmt.Println(net.Converged())
package mesh

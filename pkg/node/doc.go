// Package node implements a mesh device and its control surface.
//
// A Device is a Leader, a Router or a child. It owns one Network Data
// mirror and derives its global addresses from it. Border routers keep
// local Server Data edited with AddPrefix and RemovePrefix and ship it to
// the Leader with RegisterNetdata.
//
// Devices run on an event loop and talk over a transport.Medium. They are
// normally built from a topology by package mesh.
package node

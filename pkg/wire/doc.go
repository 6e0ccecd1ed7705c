// Package wire defines the CBOR wire format of mesh control messages.
//
// Every frame exchanged between neighbors is a Frame envelope carrying a
// frame ID, the message type, the sending and destination RLOC16 and a
// type-specific payload. All maps use integer keys for compactness.
//
// # Message Types
//
// Network Data distribution uses a push-announce / pull-transfer pattern:
//   - Announcement: a router advertises its leader data (versions only)
//   - DataRequest / DataResponse: a rx-on device pulls the full or stable set
//   - DataPoll / PollAck: a sleepy child polls its parent with its version
//   - ServerData / ServerDataAck: a border router registers its prefixes
//
// Attachment and liveness use ParentRequest / ChildIDResponse and
// EchoRequest / EchoReply.
//
// # Versions on the Wire
//
// Announcements carry only the version pair, never entries. A receiver that
// finds itself behind pulls the data with a DataRequest or DataPoll.
package wire

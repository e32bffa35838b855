// Package registry defines the narrow adapter contract between the
// admission gate and the surrounding multi-namespace pub/sub server.
//
// The gate never takes a dependency on a concrete server. Instead it is
// handed a Registry: something that can enumerate namespaces, enumerate a
// namespace's live connections, move a connection in and out of the
// namespace's broadcast membership set, emit an event to one connection,
// and forcibly close one connection. Anything satisfying that contract can
// host the gate, which keeps the gate unit-testable against an in-memory
// fake (see the sibling memory package) while production deployments bind
// it to a real transport (see the wsserver package).
//
// # Connection lists vs. broadcast membership
//
// A namespace tracks two collections that the contract keeps deliberately
// distinct. Conns is the raw connection list: every registration, whether
// or not it has authenticated. The broadcast membership set, manipulated
// through JoinBroadcast and LeaveBroadcast, holds only the registrations
// eligible to receive broadcast traffic. The gate's central invariant is
// that a registration whose session has not authenticated is never present
// in the membership set, even though it remains visible in Conns.
//
// Membership mutations are idempotent: inserting a member twice or removing
// an absent one must be a no-op, never an error.
package registry

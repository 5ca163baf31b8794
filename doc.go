// Package ayame is an extensible IRC client library.
//
// A Client speaks the IRC wire protocol over a pluggable transport,
// performs registration and IRCv3 capability negotiation (including
// SASL), tracks users, channels and memberships from server messages,
// and dispatches protocol events to application callbacks. Protocol
// behavior is composed from features (see Featurize); the default set
// covers the base RFC 1459 protocol, ISUPPORT, capability
// negotiation, SASL, account tracking, MONITOR and CTCP.
//
// Concurrency model: each pool owns one event loop goroutine, and all
// protocol state of its clients is owned by that goroutine. Handlers
// and callbacks run there, one at a time; blocking in one of them
// stalls every client in the pool. Methods documented as safe from any
// goroutine only enqueue work or messages.
package ayame

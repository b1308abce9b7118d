// Package cast implements the subset of the Cast v2 receiver protocol the
// bridge needs, on top of the go-chromecast connection.
//
// go-chromecast owns the TLS socket to port 8009, the length-prefixed
// CastMessage framing and the answers to receiver PINGs. This package adds
// what the bridge relies on: UTF-8 JSON payloads on four namespaces,
//
//	urn:x-cast:com.google.cast.tp.connection   CONNECT / CLOSE
//	urn:x-cast:com.google.cast.tp.heartbeat    PING / PONG
//	urn:x-cast:com.google.cast.receiver        GET_STATUS, SET_VOLUME, LAUNCH, STOP, GET_APP_AVAILABILITY
//	urn:x-cast:com.google.cast.media           GET_STATUS, PLAY, PAUSE
//
// request correlation by requestId, and an outbound heartbeat that ends the
// link after three silent intervals.
//
// Replies are resolved straight from the receive loop. Unsolicited status
// pushes and connection signals go through a single ordered dispatcher
// goroutine, so a slow handler delays later pushes but never a command
// reply.
//
// A Client is reconnectable: each Connect builds a fresh link and Close only
// tears down the current one.
package cast

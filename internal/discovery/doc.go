// Package discovery browses the LAN for Cast receivers over mDNS.
//
// A Browser runs periodic rounds of _googlecast._tcp queries and diffs the
// answers against the services it already knows. Every answer is reported
// to the Listener as an announcement (new services and liveness alike); a
// service that stays silent for MissThreshold consecutive rounds is
// reported withdrawn and forgotten.
package discovery

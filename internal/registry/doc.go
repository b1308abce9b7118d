// Package registry maps discovered receivers to device sessions.
//
// The Registry is the discovery Listener. It admits unknown receivers while
// pairing is open (always, in continuous mode), turns repeat announcements
// into liveness updates and never destroys a device because discovery lost
// sight of it. Devices leave only when their own recovery gives up; the
// registry then forgets them and reopens pairing so they can come back.
package registry

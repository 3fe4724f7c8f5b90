// This file collects the default timing constants for the FSCP handshake
// and the Core orchestrator's contact loop. Defaults match the values the
// original FreeLAN daemon shipped with.

package fscp

import "time"

// DefaultHelloTimeout bounds how long a HELLO_REQUEST waits for its
// matching HELLO_RESPONSE before the requester gives up.
const DefaultHelloTimeout = 3 * time.Second

// DefaultContactPeriod is how often the Core orchestrator re-greets every
// endpoint on its static contact list.
const DefaultContactPeriod = 30 * time.Second

// DefaultDynamicContactPeriod is how often the Core orchestrator sends a
// CONTACT_REQUEST to every live peer session for the dynamic contact list.
const DefaultDynamicContactPeriod = 45 * time.Second

// RekeyGraceWindow is how long, after a rekey completes, frames
// authenticated under the just-replaced session keys continue to
// validate if they arrive out of order.
const RekeyGraceWindow = 1 * time.Second

// MACAgingTimeout is how long a Switch learning-table entry survives
// without being refreshed by a new frame from that MAC.
const MACAgingTimeout = 5 * time.Minute

// DefaultIdleTimeout is how long a peer may go without any inbound
// traffic — handshake or data — before Run tears it down, independent of
// whether a session has ever been established.
const DefaultIdleTimeout = 2 * time.Hour

// DefaultSessionMaxLifetime and DefaultSessionMaxBytes are the default
// rekey thresholds; either reaching its limit triggers the side that
// greeted the peer to start a new SESSION_REQUEST before the current
// session expires.
const (
	DefaultSessionMaxLifetime = 1 * time.Hour
	DefaultSessionMaxBytes    = 1 << 30 // 1 GiB
)

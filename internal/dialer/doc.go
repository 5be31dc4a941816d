// Package dialer provides the outbound dialers proxyfeed uses to reach the
// outside world.
//
// Both liveness probes and feed downloads go through a Dialer, either
// directly or tunneled through an upstream proxy (HTTP CONNECT or SOCKS5).
// This lets a deployment that sits behind a censoring network do all of its
// outbound work from the far side of a trusted proxy.
package dialer

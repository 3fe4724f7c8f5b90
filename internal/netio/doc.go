// Package netio opens and drives the local TAP (layer-2) or TUN (layer-3)
// network interface the Core orchestrator bridges onto the FSCP overlay.
package netio

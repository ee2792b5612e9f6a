// Package protocol owns the reliable data transfer (RDT) wire contract.
//
// Ownership boundary:
// - frame: fixed-width ASCII frame codec and corruption detection
// - reassembly: byte accumulator that cuts whole frames out of partial reads
// - session: ARQ engine (unacknowledged, stop-and-wait, stop-and-wait with timeout)
//
// This package holds the error taxonomy shared by the subpackages.
package protocol

// Package protocol implements the TLV packets of the UDP frame feed:
// stream start, audio frames, manual flush and stream stop.
package protocol

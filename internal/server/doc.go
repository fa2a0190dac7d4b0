// Package server exposes the pipeline to the network: the UDP frame feed
// that drives stream sessions, the HTTP monitoring API with its websocket
// transcript stream, and the gRPC health service that mirrors worker
// availability.
package server

// Package signaling is a client for the Kinesis Video Streams WebRTC
// signaling service.
//
// A Client keeps one SigV4-presigned WebSocket connection to the service and
// exchanges SDP offers/answers and ICE candidates between a MASTER and its
// VIEWERs. Payloads are opaque JSON; ICE candidates that arrive before the
// sender's SDP are held back and released right after it.
package signaling

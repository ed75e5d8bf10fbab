// Package relay forwards reassembled media frames to local UDP consumers,
// one socket per media kind.
//
// Frames leave either chunked with the udpproto header (framed output) or as
// the raw RTP packets they were built from (rtp output). Writes go through a
// byte-bounded queue so a slow or absent consumer never stalls the media
// pipeline; datagrams that do not fit are dropped and counted.
package relay

// Package signaling performs the robot's authentication exchange and trades
// the local SDP offer for the robot's answer.
//
// Three dialects are supported behind the Channel interface: the encrypted
// HTTP exchange of current Go2 firmware, the plain HTTP exchange of older
// firmware, and a trickle WebSocket protocol used by signaling gateways.
package signaling

// Package server is the transport layer of roomchat: configuration, the
// WebSocket client pumps, the hub that owns client lifecycles, and the HTTP
// routes and server that expose them.
package server

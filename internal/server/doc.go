// Package server implements the session layer of the chat core: WebSocket
// connections, local room delivery, and the HTTP endpoints around them.
//
// The Hub owns process-wide session state and the bus subscriptions backing
// local rooms. Each Client is driven by a read pump, which handles its inbound
// events in order, and a write pump, which is the only writer to its socket.
package server

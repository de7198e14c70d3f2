// Package protocol implements the sidecar wire protocol.
//
// Every message in either direction is one frame: a 4-byte big-endian
// length followed by that many bytes of JSON. Incoming frames larger than
// the configured maximum (1 MiB by default) end the connection before the
// body is read.
//
// Requests carry a "type" tag:
//
//	{"type":"route","client_ip":"203.0.113.7","query_type":"read","timestamp":1700000000000000}
//	{"type":"update_routing_table","replicas":[...],"timestamp":...}
//	{"type":"ping","timestamp":...}
//	{"type":"metrics","timestamp":...}
//
// A request without a type but with a client_ip is a route request; older
// clients send route requests that way. The timestamp may be omitted.
//
// Every response has the same shape:
//
//	{"success":true,"data":{...},"error":null,"timestamp":1700000000000123}
//
// Usage:
//
//	payload, err := protocol.ReadFrame(conn, protocol.DefaultMaxFrameSize)
//	if err != nil {
//		return err // framing errors end the connection
//	}
//	req, err := protocol.NewDecoder().DecodeRequest(payload)
//	if err != nil {
//		resp = protocol.NewErrorResponse(err)
//	}
//	out, err := protocol.NewEncoder().EncodeResponse(resp)
//	...
//	err = protocol.WriteFrame(conn, out)
package protocol

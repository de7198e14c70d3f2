package protocol

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/goccy/go-json"
	"github.com/hmssql/georouter/internal/geo"
	"github.com/hmssql/georouter/internal/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    *Request
	}{
		{
			name:    "tagged route",
			payload: `{"type":"route","client_ip":"203.0.113.7","query_type":"write","timestamp":1700000000000000}`,
			want: &Request{
				Type:      TypeRoute,
				ClientIP:  netip.MustParseAddr("203.0.113.7"),
				QueryType: "write",
				Timestamp: 1700000000000000,
			},
		},
		{
			name:    "untagged route",
			payload: `{"client_ip":"2001:db8::1","query_type":"read","timestamp":5}`,
			want: &Request{
				Type:      TypeRoute,
				ClientIP:  netip.MustParseAddr("2001:db8::1"),
				QueryType: "read",
				Timestamp: 5,
			},
		},
		{
			name:    "ping without timestamp",
			payload: `{"type":"ping"}`,
			want:    &Request{Type: TypePing},
		},
		{
			name:    "metrics",
			payload: `{"type":"metrics","timestamp":9}`,
			want:    &Request{Type: TypeMetrics, Timestamp: 9},
		},
		{
			name:    "empty table update",
			payload: `{"type":"update_routing_table","replicas":[],"timestamp":1}`,
			want:    &Request{Type: TypeUpdateRoutingTable, Replicas: []routing.ReplicaInfo{}, Timestamp: 1},
		},
		{
			name:    "unknown fields ignored",
			payload: `{"type":"ping","timestamp":2,"trace":"abc"}`,
			want:    &Request{Type: TypePing, Timestamp: 2},
		},
	}

	d := NewDecoder()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := d.DecodeRequest([]byte(tc.payload))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeUpdateRoutingTable(t *testing.T) {
	payload := `{"type":"update_routing_table","timestamp":1,"replicas":[{
		"node_id":"tokyo-1","host":"10.0.0.1","port":9999,"is_leader":true,"healthy":true,
		"zone":"ap-northeast",
		"geo_location":{"country":"Japan","region":"Tokyo","city":"Tokyo","latitude":35.6762,"longitude":139.6503,"timezone":"Asia/Tokyo"},
		"load_score":0.1,"latency_ms":2.5}]}`

	req, err := NewDecoder().DecodeRequest([]byte(payload))
	require.NoError(t, err)
	require.Len(t, req.Replicas, 1)

	assert.Equal(t, routing.ReplicaInfo{
		NodeID:   "tokyo-1",
		Host:     "10.0.0.1",
		Port:     9999,
		IsLeader: true,
		Healthy:  true,
		Zone:     "ap-northeast",
		GeoLocation: geo.Location{
			Country: "Japan", Region: "Tokyo", City: "Tokyo",
			Latitude: 35.6762, Longitude: 139.6503, Timezone: "Asia/Tokyo",
		},
		LoadScore: 0.1,
		LatencyMs: 2.5,
	}, req.Replicas[0])
}

func TestDecodeRequestErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{"not json", `hello`, ErrMalformedRequest},
		{"empty payload", ``, ErrMalformedRequest},
		{"array", `[1,2]`, ErrMalformedRequest},
		{"unknown type", `{"type":"shutdown","timestamp":1}`, ErrUnknownType},
		{"no type no ip", `{"timestamp":1}`, ErrMissingField},
		{"route without ip", `{"type":"route","query_type":"read"}`, ErrMissingField},
		{"route without query type", `{"type":"route","client_ip":"10.0.0.1"}`, ErrMissingField},
		{"bad ip", `{"type":"route","client_ip":"not-an-ip","query_type":"read"}`, ErrInvalidClientIP},
		{"update without replicas", `{"type":"update_routing_table","timestamp":1}`, ErrMissingField},
		{"update with null replicas", `{"type":"update_routing_table","replicas":null}`, ErrMissingField},
		{"port out of range", `{"type":"update_routing_table","replicas":[{"node_id":"a","port":70000}]}`, ErrMalformedRequest},
		{"negative timestamp", `{"type":"ping","timestamp":-1}`, ErrMalformedRequest},
	}

	d := NewDecoder()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.DecodeRequest([]byte(tc.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.wantErr), "err = %v, want %v", err, tc.wantErr)
		})
	}
}

func TestRequestEncodeDecode(t *testing.T) {
	requests := []*Request{
		{Type: TypeRoute, ClientIP: netip.MustParseAddr("198.51.100.9"), QueryType: "read", Timestamp: 77},
		{Type: TypePing, Timestamp: 1},
		{Type: TypeMetrics},
		{Type: TypeUpdateRoutingTable, Replicas: []routing.ReplicaInfo{{NodeID: "n1", Port: 1, Healthy: true}}},
	}

	enc, dec := NewEncoder(), NewDecoder()
	for _, req := range requests {
		t.Run(req.Type, func(t *testing.T) {
			payload, err := enc.EncodeRequest(req)
			require.NoError(t, err)
			got, err := dec.DecodeRequest(payload)
			require.NoError(t, err)
			assert.Equal(t, req, got)
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	route := routing.RoutingResponse{
		NodeID:             "paris-1",
		Host:               "10.0.1.1",
		Port:               9999,
		DistanceKm:         12.5,
		RoutingStrategy:    routing.StrategyClosestHealthy,
		ResponseTimeMicros: 42,
	}
	ok, err := NewSuccessResponse(route)
	require.NoError(t, err)

	responses := []*Response{ok, NewErrorResponse(routing.ErrNoHealthyLeaders)}

	enc, dec := NewEncoder(), NewDecoder()
	for _, resp := range responses {
		payload, err := enc.EncodeResponse(resp)
		require.NoError(t, err)
		got, err := dec.DecodeResponse(payload)
		require.NoError(t, err)
		assert.Equal(t, resp, got)
	}

	var decoded routing.RoutingResponse
	require.NoError(t, ok.DecodeData(&decoded))
	assert.Equal(t, route, decoded)
}

func TestResponseWireShape(t *testing.T) {
	pong, err := NewSuccessResponse(Pong{Pong: true})
	require.NoError(t, err)
	pong.Timestamp = 123

	payload, err := NewEncoder().EncodeResponse(pong)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"data":{"pong":true},"error":null,"timestamp":123}`, string(payload))

	failed := NewErrorResponse(routing.ErrNoHealthyReplicas)
	failed.Timestamp = 456
	payload, err = NewEncoder().EncodeResponse(failed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"data":null,"error":"no healthy replicas available","timestamp":456}`, string(payload))

	assert.Equal(t, "no healthy replicas available", failed.ErrorMessage())
	assert.Equal(t, "", pong.ErrorMessage())
	assert.Error(t, failed.DecodeData(&Pong{}))
}

func TestBuildFallbackErrorResponse(t *testing.T) {
	payload := BuildFallbackErrorResponse("encode failed: \"quoted\"\n")

	var generic map[string]any
	require.NoError(t, json.Unmarshal(payload, &generic))
	assert.Equal(t, false, generic["success"])
	assert.Nil(t, generic["data"])
	assert.Equal(t, "encode failed: \"quoted\"\n", generic["error"])

	resp, err := NewDecoder().DecodeResponse(payload)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Nil(t, resp.Data)
}

func TestNowMicrosIsRecent(t *testing.T) {
	// 2020-01-01 in microseconds.
	assert.Greater(t, NowMicros(), uint64(1577836800000000))
}

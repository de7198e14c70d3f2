package protocol

import (
	"strconv"

	"github.com/goccy/go-json"
)

// BuildFallbackErrorResponse encodes a failed response by hand. It is used
// when encoding the real response failed, so the client still gets a
// well-formed reply.
func BuildFallbackErrorResponse(msg string) []byte {
	quoted, err := json.Marshal(msg)
	if err != nil {
		quoted = []byte(`"internal error"`)
	}
	buf := make([]byte, 0, 64+len(quoted))
	buf = append(buf, `{"success":false,"data":null,"error":`...)
	buf = append(buf, quoted...)
	buf = append(buf, `,"timestamp":`...)
	buf = strconv.AppendUint(buf, NowMicros(), 10)
	buf = append(buf, '}')
	return buf
}

package message

import "encoding/json"

// WireJSON is the shape sent to HTTP long-poll clients. Data is emitted
// as-is (raw JSON) so server-side filters may hand back either a JSON
// string or a structured value without double-encoding.
type WireJSON struct {
	GlobalID  uint64          `json:"global_id"`
	MessageID uint64          `json:"message_id"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
}

// ToWireJSON converts a Message for HTTP transmission. If Data is not
// already valid JSON, it is embedded as a JSON string so the response body
// always round-trips through encoding/json.
func ToWireJSON(m Message) WireJSON {
	var data json.RawMessage
	if json.Valid(m.Data) {
		data = append(json.RawMessage(nil), m.Data...)
	} else {
		encoded, err := json.Marshal(string(m.Data))
		if err != nil {
			encoded = []byte(`""`)
		}
		data = encoded
	}
	return WireJSON{
		GlobalID:  m.GlobalID,
		MessageID: m.MessageID,
		Channel:   m.Channel,
		Data:      data,
	}
}

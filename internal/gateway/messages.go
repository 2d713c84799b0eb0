package gateway

import "encoding/json"

// clientMessage is the envelope for all client-to-server messages.
type clientMessage struct {
	Type    string            `json:"type"`
	Filters map[string]string `json:"filters,omitempty"`
}

// controlMessage is the envelope for non-event server-to-client
// messages: connection_ack, pong, error.
type controlMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func controlFrame(msgType, message string) ([]byte, error) {
	return json.Marshal(controlMessage{Type: msgType, Message: message})
}

// mustControlFrame is for frames built from constant inputs only.
func mustControlFrame(msgType, message string) []byte {
	data, err := controlFrame(msgType, message)
	if err != nil {
		panic(err)
	}
	return data
}

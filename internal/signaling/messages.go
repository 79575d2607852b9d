package signaling

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/kvs-webrtc-signaling/internal/metrics"
)

type messageType string

const (
	messageTypeSDPOffer     messageType = "SDP_OFFER"
	messageTypeSDPAnswer    messageType = "SDP_ANSWER"
	messageTypeICECandidate messageType = "ICE_CANDIDATE"
	// Sent by the service to report a failure for a previous message.
	messageTypeStatusResponse messageType = "STATUS_RESPONSE"
)

type outboundMessage struct {
	Action            messageType `json:"action"`
	MessagePayload    string      `json:"messagePayload"`
	RecipientClientID string      `json:"recipientClientId,omitempty"`
}

type inboundMessage struct {
	MessageType    messageType     `json:"messageType"`
	MessagePayload string          `json:"messagePayload"`
	SenderClientID string          `json:"senderClientId,omitempty"`
	StatusResponse *statusResponse `json:"statusResponse,omitempty"`
}

type statusResponse struct {
	CorrelationID string `json:"correlationId,omitempty"`
	ErrorType     string `json:"errorType,omitempty"`
	StatusCode    string `json:"statusCode,omitempty"`
	Description   string `json:"description,omitempty"`
}

// decodeError carries the metrics drop reason for a rejected frame.
type decodeError struct {
	reason string
	err    error
}

func (e *decodeError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func dropReason(err error) string {
	var de *decodeError
	if errors.As(err, &de) {
		return de.reason
	}
	return metrics.DropReasonInvalidJSON
}

func encodeMessage(action messageType, payload any, recipientClientID string) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", action, err)
	}
	return json.Marshal(outboundMessage{
		Action:            action,
		MessagePayload:    base64.StdEncoding.EncodeToString(raw),
		RecipientClientID: recipientClientID,
	})
}

// parseInboundMessage decodes one frame from the service. The returned
// payload is the base64-decoded JSON document; it is nil for status
// responses.
func parseInboundMessage(data []byte) (inboundMessage, json.RawMessage, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return inboundMessage{}, nil, &decodeError{reason: metrics.DropReasonInvalidJSON, err: err}
	}

	switch msg.MessageType {
	case messageTypeSDPOffer, messageTypeSDPAnswer, messageTypeICECandidate:
	case messageTypeStatusResponse:
		return msg, nil, nil
	default:
		return inboundMessage{}, nil, &decodeError{
			reason: metrics.DropReasonUnknownType,
			err:    fmt.Errorf("unsupported messageType %q", msg.MessageType),
		}
	}

	raw, err := base64.StdEncoding.DecodeString(msg.MessagePayload)
	if err != nil {
		return inboundMessage{}, nil, &decodeError{reason: metrics.DropReasonInvalidBase64, err: err}
	}
	if !json.Valid(raw) {
		return inboundMessage{}, nil, &decodeError{
			reason: metrics.DropReasonInvalidPayload,
			err:    errors.New("messagePayload is not JSON"),
		}
	}
	return msg, json.RawMessage(raw), nil
}

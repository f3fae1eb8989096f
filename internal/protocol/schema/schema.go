package schema

import (
	"fmt"

	"github.com/danmuck/homelink/internal/protocol/tlv"
)

// Kind is the payload discriminator written as the first payload byte.
type Kind uint8

// Message kinds from the tunnel and fiber contracts.
const (
	KindHandshakeSyn Kind = 1
	KindHandshakeAck Kind = 2
	KindWebStream    Kind = 3
	KindSummon       Kind = 4
	KindSageStream   Kind = 5
)

// Nested record kinds. They never appear as a payload discriminator.
const (
	RecordHTTPContext Kind = 100
	RecordHeader      Kind = 101
	RecordDataContext Kind = 102
	RecordSidePayload Kind = 103
)

func (k Kind) String() string {
	switch k {
	case KindHandshakeSyn:
		return "handshake.syn"
	case KindHandshakeAck:
		return "handshake.ack"
	case KindWebStream:
		return "webstream"
	case KindSummon:
		return "summon"
	case KindSageStream:
		return "sage.stream"
	case RecordHTTPContext:
		return "record.http_context"
	case RecordHeader:
		return "record.header"
	case RecordDataContext:
		return "record.data_context"
	case RecordSidePayload:
		return "record.side_payload"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Field IDs from the tlv contract.
const (
	FieldPluginID               uint16 = 100
	FieldPrivateKey             uint16 = 101
	FieldIsPrimaryConnection    uint16 = 102
	FieldPluginVersion          uint16 = 103
	FieldLocalHTTPProxyPort     uint16 = 104
	FieldLocalDeviceIP          uint16 = 105
	FieldRsaChallenge           uint16 = 106
	FieldRsaChallengeVersion    uint16 = 107
	FieldSummonMethod           uint16 = 108
	FieldAddonType              uint16 = 109
	FieldReceiveCompressionType uint16 = 110

	FieldAccepted             uint16 = 150
	FieldRsaChallengeResult   uint16 = 151
	FieldAPIKey               uint16 = 152
	FieldConnectedAccount     uint16 = 153
	FieldErrorMessage         uint16 = 154
	FieldBackoffSeconds       uint16 = 155
	FieldRequiresPluginUpdate uint16 = 156

	FieldStreamID               uint16 = 200
	FieldIsOpenMsg              uint16 = 201
	FieldIsCloseMsg             uint16 = 202
	FieldData                   uint16 = 203
	FieldDataCompression        uint16 = 204
	FieldOriginalDataSize       uint16 = 205
	FieldWebSocketDataType      uint16 = 206
	FieldIsDataTransmissionDone uint16 = 207
	FieldHTTPContext            uint16 = 208
	FieldStatusCode             uint16 = 209
	FieldHeader                 uint16 = 210
	FieldFullStreamDataSize     uint16 = 211
	FieldCloseReason            uint16 = 212
	FieldIsAbortMsg             uint16 = 213
	FieldSageType               uint16 = 214
	FieldDataContext            uint16 = 215

	FieldMethod   uint16 = 300
	FieldPath     uint16 = 301
	FieldPathType uint16 = 302
	FieldTarget   uint16 = 303

	FieldHeaderName  uint16 = 310
	FieldHeaderValue uint16 = 311

	FieldServerConnectURL uint16 = 400

	FieldDataType       uint16 = 500
	FieldSampleRate     uint16 = 501
	FieldChannels       uint16 = 502
	FieldBytesPerSample uint16 = 503
	FieldLanguageCode   uint16 = 504
	FieldSidePayload    uint16 = 505
	FieldSideName       uint16 = 510
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Kind    Kind
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: kind=%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("schema: kind=%s field=%d: %s", e.Kind, e.FieldID, e.Reason)
}

var requirements = map[Kind][]Requirement{
	KindHandshakeSyn: {
		{FieldPluginID, tlv.TypeString},
		{FieldPrivateKey, tlv.TypeString},
		{FieldIsPrimaryConnection, tlv.TypeBool},
		{FieldPluginVersion, tlv.TypeString},
		{FieldRsaChallenge, tlv.TypeBytes},
		{FieldRsaChallengeVersion, tlv.TypeU8},
		{FieldReceiveCompressionType, tlv.TypeU8},
	},
	KindHandshakeAck: {
		{FieldAccepted, tlv.TypeBool},
	},
	KindWebStream: {
		{FieldStreamID, tlv.TypeU32},
		{FieldIsOpenMsg, tlv.TypeBool},
		{FieldIsCloseMsg, tlv.TypeBool},
	},
	KindSummon: {
		{FieldServerConnectURL, tlv.TypeString},
		{FieldSummonMethod, tlv.TypeU8},
	},
	KindSageStream: {
		{FieldStreamID, tlv.TypeU32},
		{FieldIsOpenMsg, tlv.TypeBool},
		{FieldIsDataTransmissionDone, tlv.TypeBool},
		{FieldIsAbortMsg, tlv.TypeBool},
		{FieldSageType, tlv.TypeI8},
	},
	RecordHTTPContext: {
		{FieldMethod, tlv.TypeString},
		{FieldPath, tlv.TypeString},
		{FieldPathType, tlv.TypeU8},
		{FieldTarget, tlv.TypeU8},
	},
	RecordHeader: {
		{FieldHeaderName, tlv.TypeString},
		{FieldHeaderValue, tlv.TypeString},
	},
	RecordDataContext: {
		{FieldDataType, tlv.TypeU8},
	},
	RecordSidePayload: {
		{FieldSideName, tlv.TypeString},
		{FieldData, tlv.TypeBytes},
		{FieldDataCompression, tlv.TypeU8},
		{FieldOriginalDataSize, tlv.TypeU32},
	},
}

// optional lists fields that may be absent but must carry the listed type
// when present.
var optional = map[Kind][]Requirement{
	KindHandshakeSyn: {
		{FieldLocalHTTPProxyPort, tlv.TypeU32},
		{FieldLocalDeviceIP, tlv.TypeString},
		{FieldSummonMethod, tlv.TypeU8},
		{FieldAddonType, tlv.TypeU8},
	},
	KindHandshakeAck: {
		{FieldRsaChallengeResult, tlv.TypeString},
		{FieldAPIKey, tlv.TypeString},
		{FieldErrorMessage, tlv.TypeString},
		{FieldBackoffSeconds, tlv.TypeU32},
		{FieldRequiresPluginUpdate, tlv.TypeBool},
		{FieldConnectedAccount, tlv.TypeString},
	},
	KindWebStream: {
		{FieldData, tlv.TypeBytes},
		{FieldDataCompression, tlv.TypeU8},
		{FieldOriginalDataSize, tlv.TypeU32},
		{FieldWebSocketDataType, tlv.TypeU8},
		{FieldIsDataTransmissionDone, tlv.TypeBool},
		{FieldHTTPContext, tlv.TypeNested},
		{FieldStatusCode, tlv.TypeU32},
		{FieldFullStreamDataSize, tlv.TypeU64},
		{FieldCloseReason, tlv.TypeU8},
		{FieldHeader, tlv.TypeNested},
	},
	RecordHTTPContext: {
		{FieldHeader, tlv.TypeNested},
	},
	RecordDataContext: {
		{FieldSampleRate, tlv.TypeU32},
		{FieldChannels, tlv.TypeU8},
		{FieldBytesPerSample, tlv.TypeU8},
		{FieldLanguageCode, tlv.TypeString},
		{FieldSidePayload, tlv.TypeNested},
	},
	KindSageStream: {
		{FieldData, tlv.TypeBytes},
		{FieldDataContext, tlv.TypeNested},
		{FieldStatusCode, tlv.TypeU32},
		{FieldErrorMessage, tlv.TypeString},
	},
}

// Validate enforces required fields and required field types for a kind.
// Unknown fields are ignored so newer peers can add fields.
func Validate(kind Kind, fields []tlv.Field) error {
	reqs, ok := requirements[kind]
	if !ok {
		return ValidationError{Kind: kind, Reason: "unknown kind"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			return ValidationError{Kind: kind, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			return ValidationError{Kind: kind, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, opt := range optional[kind] {
		for _, f := range tlv.GetAll(fields, opt.ID) {
			if f.Type != opt.Type {
				return ValidationError{Kind: kind, FieldID: opt.ID, Reason: "type mismatch"}
			}
		}
	}
	return nil
}

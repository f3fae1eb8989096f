package wire

import (
	"fmt"

	"github.com/danmuck/homelink/internal/compression"
	"github.com/danmuck/homelink/internal/protocol/schema"
)

// SummonMethod tells the server why this connection was opened.
type SummonMethod uint8

const (
	SummonMethodNone     SummonMethod = 0
	SummonMethodSummoned SummonMethod = 1
	SummonMethodLatency  SummonMethod = 2
)

type AddonType uint8

const (
	AddonTypeUnknown    AddonType = 0
	AddonTypeHAAddon    AddonType = 1
	AddonTypeStandalone AddonType = 2
	AddonTypeDocker     AddonType = 3
)

// WebSocketDataType tags proxied WebSocket frames. None marks HTTP traffic.
type WebSocketDataType uint8

const (
	WebSocketText   WebSocketDataType = 0
	WebSocketBinary WebSocketDataType = 1
	WebSocketClose  WebSocketDataType = 2
	WebSocketNone   WebSocketDataType = 3
)

func (t WebSocketDataType) String() string {
	switch t {
	case WebSocketText:
		return "text"
	case WebSocketBinary:
		return "binary"
	case WebSocketClose:
		return "close"
	case WebSocketNone:
		return "none"
	default:
		return fmt.Sprintf("ws_type(%d)", uint8(t))
	}
}

type PathType uint8

const (
	PathRelative PathType = 1
	PathAbsolute PathType = 2
)

// TargetType classifies which local service a stream is bound for.
type TargetType uint8

const (
	TargetHomeAssistant TargetType = 0
	TargetLocalUI       TargetType = 1
	TargetAbsolute      TargetType = 2
)

// CloseReason travels on close messages so the peer can log why a stream ended.
type CloseReason uint8

const (
	CloseNormal     CloseReason = 0
	CloseLocalError CloseReason = 1
	CloseTimeout    CloseReason = 2
	CloseAborted    CloseReason = 3
)

// SageOperation is the fiber RPC shape carried in SageStreamMessage.type.
type SageOperation int8

const (
	SageListen SageOperation = 1
	SageChat   SageOperation = 2
	SageSpeak  SageOperation = 3
)

func (o SageOperation) String() string {
	switch o {
	case SageListen:
		return "listen"
	case SageChat:
		return "chat"
	case SageSpeak:
		return "speak"
	default:
		return fmt.Sprintf("sage_op(%d)", int8(o))
	}
}

type DataType uint8

const (
	DataTypeText     DataType = 1
	DataTypeJSON     DataType = 2
	DataTypeAudioPCM DataType = 3
)

type HandshakeSyn struct {
	PluginID               string
	PrivateKey             string
	IsPrimaryConnection    bool
	PluginVersion          string
	LocalHTTPProxyPort     uint32
	LocalDeviceIP          string
	RsaChallenge           []byte
	RsaChallengeVersion    uint8
	SummonMethod           SummonMethod
	AddonType              AddonType
	ReceiveCompressionType compression.Method
}

type HandshakeAck struct {
	Accepted             bool
	RsaChallengeResult   string
	APIKey               string
	ConnectedAccounts    []string
	ErrorMessage         string
	BackoffSeconds       uint32
	RequiresPluginUpdate bool
}

type Header struct {
	Name  string
	Value string
}

// HTTPInitialContext describes the local request an open message asks for.
type HTTPInitialContext struct {
	Method   string
	Path     string
	PathType PathType
	Target   TargetType
	Headers  []Header
}

type WebStreamMsg struct {
	StreamID               uint32
	IsOpenMsg              bool
	IsCloseMsg             bool
	Data                   []byte
	DataCompression        compression.Method
	OriginalDataSize       uint32
	WebSocketDataType      WebSocketDataType
	IsDataTransmissionDone bool
	HTTPContext            *HTTPInitialContext
	StatusCode             uint32
	Headers                []Header
	FullStreamDataSize     uint64
	CloseReason            CloseReason
}

// Summon asks the client to open an extra connection to another endpoint.
type Summon struct {
	ServerConnectURL string
	SummonMethod     SummonMethod
}

// SidePayload is a large attachment carried next to a fiber request body.
type SidePayload struct {
	Name         string
	Data         []byte
	Compression  compression.Method
	OriginalSize uint32
}

type DataContext struct {
	DataType       DataType
	SampleRate     uint32
	Channels       uint8
	BytesPerSample uint8
	LanguageCode   string
	SidePayloads   []SidePayload
}

type SageStreamMessage struct {
	StreamID               uint32
	IsOpenMsg              bool
	IsDataTransmissionDone bool
	IsAbortMsg             bool
	Data                   []byte
	Type                   SageOperation
	DataContext            *DataContext
	StatusCode             uint32
	ErrorMessage           string
}

// Message is the decoded form of one frame. Exactly one variant is set,
// matching Kind.
type Message struct {
	Kind         schema.Kind
	HandshakeSyn *HandshakeSyn
	HandshakeAck *HandshakeAck
	WebStream    *WebStreamMsg
	Summon       *Summon
	Sage         *SageStreamMessage
}

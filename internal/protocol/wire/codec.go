// Package wire maps typed tunnel and fiber messages to framed payloads.
//
// A payload is one kind byte followed by TLV fields. Every decode failure
// wraps ErrMalformed: the caller treats it as a protocol desync and drops
// the connection.
package wire

import (
	"errors"
	"fmt"

	"github.com/danmuck/homelink/internal/compression"
	"github.com/danmuck/homelink/internal/protocol/frame"
	"github.com/danmuck/homelink/internal/protocol/schema"
	"github.com/danmuck/homelink/internal/protocol/tlv"
)

var (
	ErrMalformed = errors.New("wire: malformed message")
	ErrEmpty     = errors.New("wire: empty payload")
)

func encodeFrame(kind schema.Kind, fields []tlv.Field) ([]byte, error) {
	if err := schema.Validate(kind, fields); err != nil {
		return nil, err
	}
	body := tlv.EncodeFields(fields)
	payload := make([]byte, 1+len(body))
	payload[0] = byte(kind)
	copy(payload[1:], body)
	return frame.Encode(payload), nil
}

func EncodeHandshakeSyn(m HandshakeSyn) ([]byte, error) {
	fields := []tlv.Field{
		tlv.NewString(schema.FieldPluginID, m.PluginID),
		tlv.NewString(schema.FieldPrivateKey, m.PrivateKey),
		tlv.NewBool(schema.FieldIsPrimaryConnection, m.IsPrimaryConnection),
		tlv.NewString(schema.FieldPluginVersion, m.PluginVersion),
		tlv.NewU32(schema.FieldLocalHTTPProxyPort, m.LocalHTTPProxyPort),
		tlv.NewBytes(schema.FieldRsaChallenge, m.RsaChallenge),
		tlv.NewU8(schema.FieldRsaChallengeVersion, m.RsaChallengeVersion),
		tlv.NewU8(schema.FieldSummonMethod, uint8(m.SummonMethod)),
		tlv.NewU8(schema.FieldAddonType, uint8(m.AddonType)),
		tlv.NewU8(schema.FieldReceiveCompressionType, uint8(m.ReceiveCompressionType)),
	}
	if m.LocalDeviceIP != "" {
		fields = append(fields, tlv.NewString(schema.FieldLocalDeviceIP, m.LocalDeviceIP))
	}
	return encodeFrame(schema.KindHandshakeSyn, fields)
}

func EncodeHandshakeAck(m HandshakeAck) ([]byte, error) {
	fields := []tlv.Field{tlv.NewBool(schema.FieldAccepted, m.Accepted)}
	if m.RsaChallengeResult != "" {
		fields = append(fields, tlv.NewString(schema.FieldRsaChallengeResult, m.RsaChallengeResult))
	}
	if m.APIKey != "" {
		fields = append(fields, tlv.NewString(schema.FieldAPIKey, m.APIKey))
	}
	for _, acct := range m.ConnectedAccounts {
		fields = append(fields, tlv.NewString(schema.FieldConnectedAccount, acct))
	}
	if m.ErrorMessage != "" {
		fields = append(fields, tlv.NewString(schema.FieldErrorMessage, m.ErrorMessage))
	}
	if m.BackoffSeconds != 0 {
		fields = append(fields, tlv.NewU32(schema.FieldBackoffSeconds, m.BackoffSeconds))
	}
	if m.RequiresPluginUpdate {
		fields = append(fields, tlv.NewBool(schema.FieldRequiresPluginUpdate, true))
	}
	return encodeFrame(schema.KindHandshakeAck, fields)
}

func headerFields(headers []Header) []tlv.Field {
	out := make([]tlv.Field, 0, len(headers))
	for _, h := range headers {
		out = append(out, tlv.NewNested(schema.FieldHeader, []tlv.Field{
			tlv.NewString(schema.FieldHeaderName, h.Name),
			tlv.NewString(schema.FieldHeaderValue, h.Value),
		}))
	}
	return out
}

func EncodeWebStream(m WebStreamMsg) ([]byte, error) {
	fields := []tlv.Field{
		tlv.NewU32(schema.FieldStreamID, m.StreamID),
		tlv.NewBool(schema.FieldIsOpenMsg, m.IsOpenMsg),
		tlv.NewBool(schema.FieldIsCloseMsg, m.IsCloseMsg),
		tlv.NewU8(schema.FieldWebSocketDataType, uint8(m.WebSocketDataType)),
	}
	if m.Data != nil {
		fields = append(fields,
			tlv.NewBytes(schema.FieldData, m.Data),
			tlv.NewU8(schema.FieldDataCompression, uint8(m.DataCompression)),
			tlv.NewU32(schema.FieldOriginalDataSize, m.OriginalDataSize),
		)
	}
	if m.IsDataTransmissionDone {
		fields = append(fields, tlv.NewBool(schema.FieldIsDataTransmissionDone, true))
	}
	if m.HTTPContext != nil {
		ctx := []tlv.Field{
			tlv.NewString(schema.FieldMethod, m.HTTPContext.Method),
			tlv.NewString(schema.FieldPath, m.HTTPContext.Path),
			tlv.NewU8(schema.FieldPathType, uint8(m.HTTPContext.PathType)),
			tlv.NewU8(schema.FieldTarget, uint8(m.HTTPContext.Target)),
		}
		ctx = append(ctx, headerFields(m.HTTPContext.Headers)...)
		if err := schema.Validate(schema.RecordHTTPContext, ctx); err != nil {
			return nil, err
		}
		fields = append(fields, tlv.NewNested(schema.FieldHTTPContext, ctx))
	}
	if m.StatusCode != 0 {
		fields = append(fields, tlv.NewU32(schema.FieldStatusCode, m.StatusCode))
	}
	fields = append(fields, headerFields(m.Headers)...)
	if m.FullStreamDataSize != 0 {
		fields = append(fields, tlv.NewU64(schema.FieldFullStreamDataSize, m.FullStreamDataSize))
	}
	if m.CloseReason != CloseNormal {
		fields = append(fields, tlv.NewU8(schema.FieldCloseReason, uint8(m.CloseReason)))
	}
	return encodeFrame(schema.KindWebStream, fields)
}

func EncodeSummon(m Summon) ([]byte, error) {
	return encodeFrame(schema.KindSummon, []tlv.Field{
		tlv.NewString(schema.FieldServerConnectURL, m.ServerConnectURL),
		tlv.NewU8(schema.FieldSummonMethod, uint8(m.SummonMethod)),
	})
}

func EncodeSage(m SageStreamMessage) ([]byte, error) {
	fields := []tlv.Field{
		tlv.NewU32(schema.FieldStreamID, m.StreamID),
		tlv.NewBool(schema.FieldIsOpenMsg, m.IsOpenMsg),
		tlv.NewBool(schema.FieldIsDataTransmissionDone, m.IsDataTransmissionDone),
		tlv.NewBool(schema.FieldIsAbortMsg, m.IsAbortMsg),
		tlv.NewI8(schema.FieldSageType, int8(m.Type)),
	}
	if m.Data != nil {
		fields = append(fields, tlv.NewBytes(schema.FieldData, m.Data))
	}
	if m.DataContext != nil {
		dc := m.DataContext
		ctx := []tlv.Field{tlv.NewU8(schema.FieldDataType, uint8(dc.DataType))}
		if dc.SampleRate != 0 {
			ctx = append(ctx,
				tlv.NewU32(schema.FieldSampleRate, dc.SampleRate),
				tlv.NewU8(schema.FieldChannels, dc.Channels),
				tlv.NewU8(schema.FieldBytesPerSample, dc.BytesPerSample),
			)
		}
		if dc.LanguageCode != "" {
			ctx = append(ctx, tlv.NewString(schema.FieldLanguageCode, dc.LanguageCode))
		}
		for _, side := range dc.SidePayloads {
			rec := []tlv.Field{
				tlv.NewString(schema.FieldSideName, side.Name),
				tlv.NewBytes(schema.FieldData, side.Data),
				tlv.NewU8(schema.FieldDataCompression, uint8(side.Compression)),
				tlv.NewU32(schema.FieldOriginalDataSize, side.OriginalSize),
			}
			ctx = append(ctx, tlv.NewNested(schema.FieldSidePayload, rec))
		}
		fields = append(fields, tlv.NewNested(schema.FieldDataContext, ctx))
	}
	if m.StatusCode != 0 {
		fields = append(fields, tlv.NewU32(schema.FieldStatusCode, m.StatusCode))
	}
	if m.ErrorMessage != "" {
		fields = append(fields, tlv.NewString(schema.FieldErrorMessage, m.ErrorMessage))
	}
	return encodeFrame(schema.KindSageStream, fields)
}

// Decode validates one complete frame and returns its typed message.
func Decode(buf []byte, limits frame.Limits) (Message, error) {
	payload, err := frame.Decode(buf, limits)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return DecodePayload(payload)
}

// DecodePayload decodes a payload whose envelope was already checked.
func DecodePayload(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, ErrEmpty)
	}
	kind := schema.Kind(payload[0])
	fields, err := tlv.DecodeFields(payload[1:])
	if err != nil {
		return Message{}, fmt.Errorf("%w: kind=%s: %w", ErrMalformed, kind, err)
	}
	if err := schema.Validate(kind, fields); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	msg := Message{Kind: kind}
	r := &fieldReader{fields: fields}
	switch kind {
	case schema.KindHandshakeSyn:
		msg.HandshakeSyn = r.handshakeSyn()
	case schema.KindHandshakeAck:
		msg.HandshakeAck = r.handshakeAck()
	case schema.KindWebStream:
		msg.WebStream = r.webStream()
	case schema.KindSummon:
		msg.Summon = &Summon{
			ServerConnectURL: r.str(schema.FieldServerConnectURL),
			SummonMethod:     SummonMethod(r.u8(schema.FieldSummonMethod)),
		}
	case schema.KindSageStream:
		msg.Sage = r.sage()
	default:
		return Message{}, fmt.Errorf("%w: payload kind %s", ErrMalformed, kind)
	}
	if r.err != nil {
		return Message{}, fmt.Errorf("%w: kind=%s: %w", ErrMalformed, kind, r.err)
	}
	return msg, nil
}

// fieldReader keeps the first accessor error so decoders read straight
// through a validated field list. Absent optional fields read as zero.
type fieldReader struct {
	fields []tlv.Field
	err    error
}

func (r *fieldReader) keep(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}

func (r *fieldReader) get(id uint16) (tlv.Field, bool) {
	return tlv.GetField(r.fields, id)
}

func (r *fieldReader) str(id uint16) string {
	f, ok := r.get(id)
	if !ok {
		return ""
	}
	v, err := f.Str()
	r.keep(err)
	return v
}

func (r *fieldReader) bytes(id uint16) []byte {
	f, ok := r.get(id)
	if !ok {
		return nil
	}
	v, err := f.Bytes()
	r.keep(err)
	return v
}

func (r *fieldReader) boolean(id uint16) bool {
	f, ok := r.get(id)
	if !ok {
		return false
	}
	v, err := f.Bool()
	r.keep(err)
	return v
}

func (r *fieldReader) u8(id uint16) uint8 {
	f, ok := r.get(id)
	if !ok {
		return 0
	}
	v, err := f.U8()
	r.keep(err)
	return v
}

func (r *fieldReader) i8(id uint16) int8 {
	f, ok := r.get(id)
	if !ok {
		return 0
	}
	v, err := f.I8()
	r.keep(err)
	return v
}

func (r *fieldReader) u32(id uint16) uint32 {
	f, ok := r.get(id)
	if !ok {
		return 0
	}
	v, err := f.U32()
	r.keep(err)
	return v
}

func (r *fieldReader) u64(id uint16) uint64 {
	f, ok := r.get(id)
	if !ok {
		return 0
	}
	v, err := f.U64()
	r.keep(err)
	return v
}

// nested decodes and validates one nested record. found is false when the
// field is absent or broken; a broken record also sets r.err.
func (r *fieldReader) nested(f tlv.Field, kind schema.Kind) (*fieldReader, bool) {
	inner, err := f.Nested()
	if err != nil {
		r.keep(err)
		return nil, false
	}
	if err := schema.Validate(kind, inner); err != nil {
		r.keep(err)
		return nil, false
	}
	return &fieldReader{fields: inner}, true
}

func (r *fieldReader) headers() []Header {
	var out []Header
	for _, f := range tlv.GetAll(r.fields, schema.FieldHeader) {
		h, ok := r.nested(f, schema.RecordHeader)
		if !ok {
			return nil
		}
		out = append(out, Header{Name: h.str(schema.FieldHeaderName), Value: h.str(schema.FieldHeaderValue)})
		r.keep(h.err)
	}
	return out
}

func (r *fieldReader) handshakeSyn() *HandshakeSyn {
	return &HandshakeSyn{
		PluginID:               r.str(schema.FieldPluginID),
		PrivateKey:             r.str(schema.FieldPrivateKey),
		IsPrimaryConnection:    r.boolean(schema.FieldIsPrimaryConnection),
		PluginVersion:          r.str(schema.FieldPluginVersion),
		LocalHTTPProxyPort:     r.u32(schema.FieldLocalHTTPProxyPort),
		LocalDeviceIP:          r.str(schema.FieldLocalDeviceIP),
		RsaChallenge:           r.bytes(schema.FieldRsaChallenge),
		RsaChallengeVersion:    r.u8(schema.FieldRsaChallengeVersion),
		SummonMethod:           SummonMethod(r.u8(schema.FieldSummonMethod)),
		AddonType:              AddonType(r.u8(schema.FieldAddonType)),
		ReceiveCompressionType: compression.Method(r.u8(schema.FieldReceiveCompressionType)),
	}
}

func (r *fieldReader) handshakeAck() *HandshakeAck {
	ack := &HandshakeAck{
		Accepted:             r.boolean(schema.FieldAccepted),
		RsaChallengeResult:   r.str(schema.FieldRsaChallengeResult),
		APIKey:               r.str(schema.FieldAPIKey),
		ErrorMessage:         r.str(schema.FieldErrorMessage),
		BackoffSeconds:       r.u32(schema.FieldBackoffSeconds),
		RequiresPluginUpdate: r.boolean(schema.FieldRequiresPluginUpdate),
	}
	for _, f := range tlv.GetAll(r.fields, schema.FieldConnectedAccount) {
		v, err := f.Str()
		r.keep(err)
		ack.ConnectedAccounts = append(ack.ConnectedAccounts, v)
	}
	return ack
}

func (r *fieldReader) webStream() *WebStreamMsg {
	m := &WebStreamMsg{
		StreamID:               r.u32(schema.FieldStreamID),
		IsOpenMsg:              r.boolean(schema.FieldIsOpenMsg),
		IsCloseMsg:             r.boolean(schema.FieldIsCloseMsg),
		Data:                   r.bytes(schema.FieldData),
		DataCompression:        compression.Method(r.u8(schema.FieldDataCompression)),
		OriginalDataSize:       r.u32(schema.FieldOriginalDataSize),
		WebSocketDataType:      WebSocketNone,
		IsDataTransmissionDone: r.boolean(schema.FieldIsDataTransmissionDone),
		StatusCode:             r.u32(schema.FieldStatusCode),
		Headers:                r.headers(),
		FullStreamDataSize:     r.u64(schema.FieldFullStreamDataSize),
		CloseReason:            CloseReason(r.u8(schema.FieldCloseReason)),
	}
	if _, ok := r.get(schema.FieldWebSocketDataType); ok {
		m.WebSocketDataType = WebSocketDataType(r.u8(schema.FieldWebSocketDataType))
	}
	if f, ok := r.get(schema.FieldHTTPContext); ok {
		if c, ok := r.nested(f, schema.RecordHTTPContext); ok {
			m.HTTPContext = &HTTPInitialContext{
				Method:   c.str(schema.FieldMethod),
				Path:     c.str(schema.FieldPath),
				PathType: PathType(c.u8(schema.FieldPathType)),
				Target:   TargetType(c.u8(schema.FieldTarget)),
				Headers:  c.headers(),
			}
			r.keep(c.err)
		}
	}
	return m
}

func (r *fieldReader) sage() *SageStreamMessage {
	m := &SageStreamMessage{
		StreamID:               r.u32(schema.FieldStreamID),
		IsOpenMsg:              r.boolean(schema.FieldIsOpenMsg),
		IsDataTransmissionDone: r.boolean(schema.FieldIsDataTransmissionDone),
		IsAbortMsg:             r.boolean(schema.FieldIsAbortMsg),
		Data:                   r.bytes(schema.FieldData),
		Type:                   SageOperation(r.i8(schema.FieldSageType)),
		StatusCode:             r.u32(schema.FieldStatusCode),
		ErrorMessage:           r.str(schema.FieldErrorMessage),
	}
	f, ok := r.get(schema.FieldDataContext)
	if !ok {
		return m
	}
	c, ok := r.nested(f, schema.RecordDataContext)
	if !ok {
		return m
	}
	dc := &DataContext{
		DataType:       DataType(c.u8(schema.FieldDataType)),
		SampleRate:     c.u32(schema.FieldSampleRate),
		Channels:       c.u8(schema.FieldChannels),
		BytesPerSample: c.u8(schema.FieldBytesPerSample),
		LanguageCode:   c.str(schema.FieldLanguageCode),
	}
	for _, sf := range tlv.GetAll(c.fields, schema.FieldSidePayload) {
		s, ok := c.nested(sf, schema.RecordSidePayload)
		if !ok {
			break
		}
		dc.SidePayloads = append(dc.SidePayloads, SidePayload{
			Name:         s.str(schema.FieldSideName),
			Data:         s.bytes(schema.FieldData),
			Compression:  compression.Method(s.u8(schema.FieldDataCompression)),
			OriginalSize: s.u32(schema.FieldOriginalDataSize),
		})
		c.keep(s.err)
	}
	r.keep(c.err)
	m.DataContext = dc
	return m
}

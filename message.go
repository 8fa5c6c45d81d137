package coap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// CType is the message type field: CON, NON, ACK, or RST (RFC 7252 §3).
type CType uint8

const (
	// Confirmable messages require acknowledgement.
	Confirmable CType = 0
	// NonConfirmable messages do not require acknowledgement.
	NonConfirmable CType = 1
	// Acknowledgement responds to a Confirmable message.
	Acknowledgement CType = 2
	// Reset is a permanent negative acknowledgement.
	Reset CType = 3
)

var typeNames = [256]string{
	Confirmable:     "CON",
	NonConfirmable:  "NON",
	Acknowledgement: "ACK",
	Reset:           "RST",
}

func init() {
	for i := range typeNames {
		if typeNames[i] == "" {
			typeNames[i] = fmt.Sprintf("Unknown (0x%x)", i)
		}
	}
}

func (t CType) String() string { return typeNames[t] }

// CCode is the message code: class.detail, packed as (class<<5)|detail
// (RFC 7252 §3, §12.1).
type CCode uint8

// Empty is code 0.00: no token, options, or payload.
const Empty CCode = 0

// Request codes (RFC 7252 §12.1.1).
const (
	GET    CCode = 1
	POST   CCode = 2
	PUT    CCode = 3
	DELETE CCode = 4
)

// Response codes (RFC 7252 §12.1.2, plus RFC 7959's 2.31 and 4.08/4.13).
const (
	Created                  CCode = 65
	Deleted                  CCode = 66
	Valid                    CCode = 67
	Changed                  CCode = 68
	Content                  CCode = 69
	Continue                 CCode = 95
	BadRequest               CCode = 128
	Unauthorized             CCode = 129
	BadOption                CCode = 130
	Forbidden                CCode = 131
	NotFound                 CCode = 132
	MethodNotAllowed         CCode = 133
	NotAcceptable            CCode = 134
	RequestEntityIncomplete  CCode = 136
	PreconditionFailed       CCode = 140
	RequestEntityTooLarge    CCode = 141
	UnsupportedContentFormat CCode = 143
	InternalServerError      CCode = 160
	NotImplemented           CCode = 161
	BadGateway               CCode = 162
	ServiceUnavailable       CCode = 163
	GatewayTimeout           CCode = 164
	ProxyingNotSupported     CCode = 165
)

var codeNames = map[CCode]string{
	Empty:                    "Empty",
	GET:                      "GET",
	POST:                     "POST",
	PUT:                      "PUT",
	DELETE:                   "DELETE",
	Created:                  "Created",
	Deleted:                  "Deleted",
	Valid:                    "Valid",
	Changed:                  "Changed",
	Content:                  "Content",
	Continue:                 "Continue",
	BadRequest:               "BadRequest",
	Unauthorized:             "Unauthorized",
	BadOption:                "BadOption",
	Forbidden:                "Forbidden",
	NotFound:                 "NotFound",
	MethodNotAllowed:         "MethodNotAllowed",
	NotAcceptable:            "NotAcceptable",
	RequestEntityIncomplete:  "RequestEntityIncomplete",
	PreconditionFailed:       "PreconditionFailed",
	RequestEntityTooLarge:    "RequestEntityTooLarge",
	UnsupportedContentFormat: "UnsupportedContentFormat",
	InternalServerError:      "InternalServerError",
	NotImplemented:           "NotImplemented",
	BadGateway:               "BadGateway",
	ServiceUnavailable:       "ServiceUnavailable",
	GatewayTimeout:           "GatewayTimeout",
	ProxyingNotSupported:     "ProxyingNotSupported",
}

func (c CCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("%d.%02d", uint8(c)>>5, uint8(c)&0x1f)
}

// IsRequest reports whether c is in the request-code range 0.01-0.04.
func (c CCode) IsRequest() bool { return c >= GET && c <= DELETE }

// Class returns the code's class (the top 3 bits).
func (c CCode) Class() uint8 { return uint8(c) >> 5 }

// OptionID identifies an option in a message (RFC 7252 §5.10, RFC 7959,
// RFC 7641).
type OptionID uint16

// Option numbers used by this package.
const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
)

// IsCritical reports whether the option number is critical (odd,
// RFC 7252 §5.4.1): an unrecognised critical option must cause a
// 4.02 Bad Option on requests or be treated as a RST-worthy condition
// on responses.
func (o OptionID) IsCritical() bool { return o%2 == 1 }

// valueFormat classifies how an option's raw bytes should be interpreted.
type valueFormat uint8

const (
	valueUnknown valueFormat = iota
	valueEmpty
	valueOpaque
	valueUint
	valueString
)

type optionDef struct {
	valueFormat valueFormat
	minLen      int
	maxLen      int
	repeatable  bool
}

var optionDefs = map[OptionID]optionDef{
	IfMatch:       {valueFormat: valueOpaque, minLen: 0, maxLen: 8, repeatable: true},
	URIHost:       {valueFormat: valueString, minLen: 1, maxLen: 255},
	ETag:          {valueFormat: valueOpaque, minLen: 1, maxLen: 8, repeatable: true},
	IfNoneMatch:   {valueFormat: valueEmpty, minLen: 0, maxLen: 0},
	Observe:       {valueFormat: valueUint, minLen: 0, maxLen: 3},
	URIPort:       {valueFormat: valueUint, minLen: 0, maxLen: 2},
	LocationPath:  {valueFormat: valueString, minLen: 0, maxLen: 255, repeatable: true},
	URIPath:       {valueFormat: valueString, minLen: 0, maxLen: 255, repeatable: true},
	ContentFormat: {valueFormat: valueUint, minLen: 0, maxLen: 2},
	MaxAge:        {valueFormat: valueUint, minLen: 0, maxLen: 4},
	URIQuery:      {valueFormat: valueString, minLen: 0, maxLen: 255, repeatable: true},
	Accept:        {valueFormat: valueUint, minLen: 0, maxLen: 2},
	LocationQuery: {valueFormat: valueString, minLen: 0, maxLen: 255, repeatable: true},
	Block2:        {valueFormat: valueUint, minLen: 0, maxLen: 3},
	Block1:        {valueFormat: valueUint, minLen: 0, maxLen: 3},
	Size2:         {valueFormat: valueUint, minLen: 0, maxLen: 4},
	ProxyURI:      {valueFormat: valueString, minLen: 1, maxLen: 1034},
	ProxyScheme:   {valueFormat: valueString, minLen: 1, maxLen: 255},
	Size1:         {valueFormat: valueUint, minLen: 0, maxLen: 4},
}

func optionDefFor(id OptionID) (optionDef, bool) {
	d, ok := optionDefs[id]
	return d, ok
}

// MediaType specifies the content type of a message (RFC 7252 §12.3).
type MediaType uint16

// Content types used by the reference suite.
const (
	TextPlain     MediaType = 0
	AppLinkFormat MediaType = 40
	AppXML        MediaType = 41
	AppOctets     MediaType = 42
	AppExi        MediaType = 47
	AppJSON       MediaType = 50
	AppCBOR       MediaType = 60
)

// option is a single (number, value) pair; Value is the typed form
// where the option's format is known, or raw bytes otherwise.
type option struct {
	ID    OptionID
	Value interface{}
}

func encodeInt(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 256:
		return []byte{byte(v)}
	case v < 65536:
		rv := make([]byte, 2)
		binary.BigEndian.PutUint16(rv, uint16(v))
		return rv
	case v < 16777216:
		rv := make([]byte, 4)
		binary.BigEndian.PutUint32(rv, v)
		return rv[1:]
	default:
		rv := make([]byte, 4)
		binary.BigEndian.PutUint32(rv, v)
		return rv
	}
}

func decodeInt(b []byte) uint32 {
	tmp := make([]byte, 4)
	copy(tmp[4-len(b):], b)
	return binary.BigEndian.Uint32(tmp)
}

func (o option) toBytes() []byte {
	switch v := o.Value.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	case MediaType:
		return encodeInt(uint32(v))
	case uint32:
		return encodeInt(v)
	case uint:
		return encodeInt(uint32(v))
	case int:
		return encodeInt(uint32(v))
	case nil:
		return nil
	default:
		panic(fmt.Errorf("invalid type for option %d: %T (%v)", o.ID, o.Value, o.Value))
	}
}

func parseOptionValue(optionID OptionID, valueBuf []byte) interface{} {
	def, known := optionDefFor(optionID)
	if !known {
		// Unrecognised option: keep the raw bytes. Whether that's fatal
		// is decided a layer up (RFC 7252 §5.4.1) since only the caller
		// knows if this is a request (4.02 Bad Option) or a response
		// (RST).
		return append([]byte(nil), valueBuf...)
	}
	if len(valueBuf) < def.minLen || len(valueBuf) > def.maxLen {
		return append([]byte(nil), valueBuf...)
	}
	switch def.valueFormat {
	case valueUint:
		intValue := decodeInt(valueBuf)
		if optionID == ContentFormat || optionID == Accept {
			return MediaType(intValue)
		}
		return intValue
	case valueString:
		return string(valueBuf)
	case valueOpaque, valueEmpty:
		return append([]byte(nil), valueBuf...)
	}
	return append([]byte(nil), valueBuf...)
}

type options []option

func (o options) Len() int { return len(o) }
func (o options) Less(i, j int) bool {
	if o[i].ID == o[j].ID {
		return i < j
	}
	return o[i].ID < o[j].ID
}
func (o options) Swap(i, j int) { o[i], o[j] = o[j], o[i] }

func (o options) minus(oid OptionID) options {
	rv := make(options, 0, len(o))
	for _, opt := range o {
		if opt.ID != oid {
			rv = append(rv, opt)
		}
	}
	return rv
}

// Message is a CoAP message: header, token, sorted option list, and an
// optional payload. It is mutable until shared (sent, or handed to a
// handler); treat a Message received from the wire as read-only even
// though the type doesn't enforce that at compile time — a second
// sealed type isn't worth the ceremony for a library this size.
type Message struct {
	Type      CType
	Code      CCode
	MessageID uint16

	Token, Payload []byte

	opts options
}

// IsConfirmable returns true if this message is confirmable.
func (m Message) IsConfirmable() bool { return m.Type == Confirmable }

// Options gets all the values for the given option, in insertion order.
func (m Message) Options(o OptionID) []interface{} {
	var rv []interface{}
	for _, v := range m.opts {
		if o == v.ID {
			rv = append(rv, v.Value)
		}
	}
	return rv
}

// Option gets the first value for the given option ID, or nil.
func (m Message) Option(o OptionID) interface{} {
	for _, v := range m.opts {
		if o == v.ID {
			return v.Value
		}
	}
	return nil
}

// HasOption reports whether any instance of the option is present.
func (m Message) HasOption(o OptionID) bool {
	for _, v := range m.opts {
		if o == v.ID {
			return true
		}
	}
	return false
}

func (m Message) optionStrings(o OptionID) []string {
	var rv []string
	for _, v := range m.Options(o) {
		if s, ok := v.(string); ok {
			rv = append(rv, s)
		}
	}
	return rv
}

// Path gets the URI-Path segments set on this message, if any.
func (m Message) Path() []string { return m.optionStrings(URIPath) }

// PathString gets the path as a "/"-joined string.
func (m Message) PathString() string { return strings.Join(m.Path(), "/") }

// SetPathString sets URI-Path from a "/"-separated string.
func (m *Message) SetPathString(s string) {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	if s == "" {
		m.RemoveOption(URIPath)
		return
	}
	m.SetPath(strings.Split(s, "/"))
}

// SetPath replaces the URI-Path segments.
func (m *Message) SetPath(s []string) { m.SetOption(URIPath, s) }

// RemoveOption removes every instance of an option.
func (m *Message) RemoveOption(opID OptionID) { m.opts = m.opts.minus(opID) }

// AddOption appends an option, preserving any existing instances. A
// slice-of-string value is expanded into one repeated option per
// element (mirroring how URI-Path/URI-Query segments are populated).
func (m *Message) AddOption(opID OptionID, val interface{}) {
	if ss, ok := val.([]string); ok {
		for _, s := range ss {
			m.opts = append(m.opts, option{opID, s})
		}
		return
	}
	m.opts = append(m.opts, option{opID, val})
}

// SetOption replaces any existing instances of an option with val.
func (m *Message) SetOption(opID OptionID, val interface{}) {
	m.RemoveOption(opID)
	m.AddOption(opID, val)
}

// Validate checks the data-model invariants from RFC 7252 §3: token length
// within bounds, and empty (0.00) messages carrying no token, options,
// or payload.
func (m Message) Validate() error {
	if len(m.Token) > 8 {
		return ErrInvalidTokenLen
	}
	if m.Code == Empty {
		if len(m.Token) != 0 || len(m.opts) != 0 || len(m.Payload) != 0 {
			return WrapError(KindMalformed, nil, "empty message carries token/options/payload")
		}
	}
	return nil
}

// Clone returns a deep copy, useful where a caller needs to mutate a
// message (e.g. to retarget a proxied request) without perturbing the
// original held elsewhere (the transaction table, a retransmit queue).
func (m Message) Clone() Message {
	out := Message{Type: m.Type, Code: m.Code, MessageID: m.MessageID}
	if m.Token != nil {
		out.Token = append([]byte(nil), m.Token...)
	}
	if m.Payload != nil {
		out.Payload = append([]byte(nil), m.Payload...)
	}
	out.opts = append(options(nil), m.opts...)
	return out
}

const (
	extoptByteCode   = 13
	extoptByteAddend = 13
	extoptWordCode   = 14
	extoptWordAddend = 269
	extoptError      = 15
)

// MarshalBinary produces the binary form of this Message (RFC 7252 §3).
// Encoding a message that was itself decoded from the wire round-trips
// byte-for-byte: options are written in ascending-number order, which is
// how UnmarshalBinary stores them, and insertion order is preserved
// among options sharing a number.
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, ErrInvalidTokenLen
	}

	tmpbuf := []byte{0, 0}
	binary.BigEndian.PutUint16(tmpbuf, m.MessageID)

	buf := bytes.Buffer{}
	buf.Write([]byte{
		(1 << 6) | (uint8(m.Type) << 4) | uint8(0xf&len(m.Token)),
		byte(m.Code),
		tmpbuf[0], tmpbuf[1],
	})
	buf.Write(m.Token)

	extendOpt := func(opt int) (int, int) {
		ext := 0
		if opt >= extoptByteAddend {
			if opt >= extoptWordAddend {
				ext = opt - extoptWordAddend
				opt = extoptWordCode
			} else {
				ext = opt - extoptByteAddend
				opt = extoptByteCode
			}
		}
		return opt, ext
	}

	writeOptHeader := func(delta, length int) {
		d, dx := extendOpt(delta)
		l, lx := extendOpt(length)

		buf.WriteByte(byte(d<<4) | byte(l))

		tmp := []byte{0, 0}
		writeExt := func(opt, ext int) {
			switch opt {
			case extoptByteCode:
				buf.WriteByte(byte(ext))
			case extoptWordCode:
				binary.BigEndian.PutUint16(tmp, uint16(ext))
				buf.Write(tmp)
			}
		}
		writeExt(d, dx)
		writeExt(l, lx)
	}

	sorted := append(options(nil), m.opts...)
	sort.Stable(sorted)

	prev := 0
	for _, o := range sorted {
		b := o.toBytes()
		writeOptHeader(int(o.ID)-prev, len(b))
		buf.Write(b)
		prev = int(o.ID)
	}

	if len(m.Payload) > 0 {
		buf.Write([]byte{0xff})
	}
	buf.Write(m.Payload)

	return buf.Bytes(), nil
}

// ParseMessage extracts a Message from the given wire bytes.
func ParseMessage(data []byte) (Message, error) {
	rv := Message{}
	return rv, rv.UnmarshalBinary(data)
}

// UnmarshalBinary parses the given binary slice as a Message, per
// RFC 7252 §3. Unrecognised critical options are retained with their
// raw bytes rather than rejected here: rejection is a layer-above
// decision (RFC 7252 §5.4.1), since the decoder alone can't know whether
// the message is a request (4.02 Bad Option) or a response (RST).
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return ErrShortPacket
	}
	if data[0]>>6 != 1 {
		return ErrInvalidVersion
	}

	m.Type = CType((data[0] >> 4) & 0x3)
	tokenLen := int(data[0] & 0xf)
	// Code and MessageID are populated before the token-length check so
	// a caller can still recover the MID (and thus reject the message
	// with a RST, RFC 7252 §4.2) even when the rest of the header is
	// malformed.
	m.Code = CCode(data[1])
	m.MessageID = binary.BigEndian.Uint16(data[2:4])
	if tokenLen > 8 {
		return ErrInvalidTokenLen
	}

	if len(data) < 4+tokenLen {
		return WrapError(KindMalformed, nil, "truncated token")
	}
	if tokenLen > 0 {
		m.Token = make([]byte, tokenLen)
		copy(m.Token, data[4:4+tokenLen])
	} else {
		m.Token = nil
	}

	b := data[4+tokenLen:]
	prev := 0

	parseExtOpt := func(opt int) (int, error) {
		switch opt {
		case extoptByteCode:
			if len(b) < 1 {
				return -1, ErrTruncatedOption
			}
			opt = int(b[0]) + extoptByteAddend
			b = b[1:]
		case extoptWordCode:
			if len(b) < 2 {
				return -1, ErrTruncatedOption
			}
			opt = int(binary.BigEndian.Uint16(b[:2])) + extoptWordAddend
			b = b[2:]
		}
		return opt, nil
	}

	m.opts = nil
	for len(b) > 0 {
		if b[0] == 0xff {
			b = b[1:]
			if len(b) == 0 {
				return ErrStrayPayloadMarker
			}
			break
		}

		delta := int(b[0] >> 4)
		length := int(b[0] & 0x0f)

		if delta == extoptError || length == extoptError {
			return ErrReservedOptionEscape
		}

		b = b[1:]

		delta, err := parseExtOpt(delta)
		if err != nil {
			return err
		}
		length, err = parseExtOpt(length)
		if err != nil {
			return err
		}

		if len(b) < length {
			return ErrTruncatedOption
		}

		oid := OptionID(prev + delta)
		opval := parseOptionValue(oid, b[:length])
		b = b[length:]
		prev = int(oid)

		m.opts = append(m.opts, option{ID: oid, Value: opval})
	}
	m.Payload = b
	return nil
}

package coap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// OptionSet is the typed accessor layer over a Message's raw option bag
// (RFC 7252 §5.10). It never exposes the raw bag itself; callers read
// and write through these methods.
type OptionSet struct {
	msg *Message
}

// Options wraps m with a typed accessor view.
func Options(m *Message) OptionSet { return OptionSet{msg: m} }

func (o OptionSet) uintOption(id OptionID) (uint32, bool) {
	v := o.msg.Option(id)
	switch t := v.(type) {
	case uint32:
		return t, true
	case MediaType:
		return uint32(t), true
	}
	return 0, false
}

// URIHost returns the Uri-Host option, or "" if unset.
func (o OptionSet) URIHost() string {
	if s, ok := o.msg.Option(URIHost).(string); ok {
		return s
	}
	return ""
}

// SetURIHost sets Uri-Host.
func (o OptionSet) SetURIHost(host string) { o.msg.SetOption(URIHost, host) }

// URIPort returns the Uri-Port option and whether it was present.
func (o OptionSet) URIPort() (uint16, bool) {
	v, ok := o.uintOption(URIPort)
	return uint16(v), ok
}

// SetURIPort sets Uri-Port, unless port is the scheme default (5683),
// in which case it is omitted (RFC 7252 §5.10.1).
func (o OptionSet) SetURIPort(port uint16) {
	if port == 0 || port == 5683 {
		o.msg.RemoveOption(URIPort)
		return
	}
	o.msg.SetOption(URIPort, uint32(port))
}

// URIPathSegments returns the ordered Uri-Path segments.
func (o OptionSet) URIPathSegments() []string { return o.msg.Path() }

// SetURIPathSegments replaces the Uri-Path segments.
func (o OptionSet) SetURIPathSegments(segs []string) { o.msg.SetPath(segs) }

// URIQuerySegments returns the ordered Uri-Query segments.
func (o OptionSet) URIQuerySegments() []string { return o.msg.optionStrings(URIQuery) }

// SetURIQuerySegments replaces the Uri-Query segments.
func (o OptionSet) SetURIQuerySegments(segs []string) { o.msg.SetOption(URIQuery, segs) }

// ProxyURI returns the Proxy-Uri option, or "" if unset.
func (o OptionSet) ProxyURI() string {
	if s, ok := o.msg.Option(ProxyURI).(string); ok {
		return s
	}
	return ""
}

// SetProxyURI sets Proxy-Uri.
func (o OptionSet) SetProxyURI(uri string) { o.msg.SetOption(ProxyURI, uri) }

// ContentFormat returns the Content-Format option and whether present.
func (o OptionSet) ContentFormat() (MediaType, bool) {
	if mt, ok := o.msg.Option(ContentFormat).(MediaType); ok {
		return mt, true
	}
	return 0, false
}

// SetContentFormat sets Content-Format.
func (o OptionSet) SetContentFormat(mt MediaType) { o.msg.SetOption(ContentFormat, mt) }

// Accept returns the Accept option and whether present.
func (o OptionSet) Accept() (MediaType, bool) {
	if mt, ok := o.msg.Option(Accept).(MediaType); ok {
		return mt, true
	}
	return 0, false
}

// SetAccept sets Accept.
func (o OptionSet) SetAccept(mt MediaType) { o.msg.SetOption(Accept, mt) }

// ETags returns the set of ETag option values (repeatable, opaque).
func (o OptionSet) ETags() [][]byte {
	var out [][]byte
	for _, v := range o.msg.Options(ETag) {
		if b, ok := v.([]byte); ok {
			out = append(out, b)
		}
	}
	return out
}

// AddETag appends an ETag.
func (o OptionSet) AddETag(tag []byte) { o.msg.AddOption(ETag, tag) }

// IfMatch returns the If-Match option values.
func (o OptionSet) IfMatch() [][]byte {
	var out [][]byte
	for _, v := range o.msg.Options(IfMatch) {
		if b, ok := v.([]byte); ok {
			out = append(out, b)
		}
	}
	return out
}

// AddIfMatch appends an If-Match value.
func (o OptionSet) AddIfMatch(etag []byte) { o.msg.AddOption(IfMatch, etag) }

// IfNoneMatch reports whether the If-None-Match option is present.
func (o OptionSet) IfNoneMatch() bool { return o.msg.HasOption(IfNoneMatch) }

// SetIfNoneMatch sets or clears If-None-Match.
func (o OptionSet) SetIfNoneMatch(v bool) {
	if v {
		o.msg.SetOption(IfNoneMatch, []byte{})
	} else {
		o.msg.RemoveOption(IfNoneMatch)
	}
}

// MaxAge returns Max-Age, defaulting to 60 (RFC 7252 §5.10.5) when unset.
func (o OptionSet) MaxAge() uint32 {
	if v, ok := o.uintOption(MaxAge); ok {
		return v
	}
	return 60
}

// SetMaxAge sets Max-Age.
func (o OptionSet) SetMaxAge(seconds uint32) { o.msg.SetOption(MaxAge, seconds) }

// Observe returns the Observe option (0-3 bytes unsigned) and whether
// it was present at all.
func (o OptionSet) Observe() (uint32, bool) { return o.uintOption(Observe) }

// SetObserve sets the Observe option to v (a subscribe request uses 0;
// an unsubscribe request uses 1; server notifications use the sequence
// number).
func (o OptionSet) SetObserve(v uint32) { o.msg.SetOption(Observe, v) }

// ClearObserve removes the Observe option.
func (o OptionSet) ClearObserve() { o.msg.RemoveOption(Observe) }

// BlockValue is the decoded form of a Block1/Block2 option
// (RFC 7959 §2.2): NUM/M/SZX packed into 24 bits on the wire.
type BlockValue struct {
	Num uint32
	// More reports whether further blocks follow (M bit).
	More bool
	// SZX is the block-size exponent, 0..6; Size() converts it to bytes.
	SZX uint8
}

// Size returns the block size in bytes: 1 << (SZX+4), capped at 1024 as
// SZX 7 is reserved and 6 is the largest defined value (RFC 7959 §2.2).
func (b BlockValue) Size() int {
	szx := b.SZX
	if szx > 6 {
		szx = 6
	}
	return 1 << (szx + 4)
}

// SZXForSize returns the largest SZX whose block size (1<<(SZX+4)) does
// not exceed size, clamped to the 0..6 range RFC 7959 §2.2 defines
// (1024-byte blocks at most).
func SZXForSize(size int) uint8 {
	szx := uint8(0)
	for szx < 6 && (1<<(szx+5)) <= size {
		szx++
	}
	return szx
}

func decodeBlockValue(raw uint32) BlockValue {
	return BlockValue{
		Num:  raw >> 4,
		More: raw&0x8 != 0,
		SZX:  uint8(raw & 0x7),
	}
}

func (b BlockValue) encode() uint32 {
	v := b.Num << 4
	if b.More {
		v |= 0x8
	}
	v |= uint32(b.SZX) & 0x7
	return v
}

// Block1 returns the decoded Block1 option and whether it was present.
func (o OptionSet) Block1() (BlockValue, bool) {
	v, ok := o.uintOption(Block1)
	if !ok {
		return BlockValue{}, false
	}
	return decodeBlockValue(v), true
}

// SetBlock1 sets the Block1 option.
func (o OptionSet) SetBlock1(b BlockValue) { o.msg.SetOption(Block1, b.encode()) }

// Block2 returns the decoded Block2 option and whether it was present.
func (o OptionSet) Block2() (BlockValue, bool) {
	v, ok := o.uintOption(Block2)
	if !ok {
		return BlockValue{}, false
	}
	return decodeBlockValue(v), true
}

// SetBlock2 sets the Block2 option.
func (o OptionSet) SetBlock2(b BlockValue) { o.msg.SetOption(Block2, b.encode()) }

// Size1 returns the Size1 option (request body size hint) if present.
func (o OptionSet) Size1() (uint32, bool) { return o.uintOption(Size1) }

// SetSize1 sets Size1.
func (o OptionSet) SetSize1(v uint32) { o.msg.SetOption(Size1, v) }

// Size2 returns the Size2 option (response body size hint) if present.
func (o OptionSet) Size2() (uint32, bool) { return o.uintOption(Size2) }

// SetSize2 sets Size2.
func (o OptionSet) SetSize2(v uint32) { o.msg.SetOption(Size2, v) }

// uriParts holds the components go-playground/validator checks when an
// embedder attaches a URI via SetURI. RFC 7252 §5.10 bounds Uri-Host to
// 1-255 bytes and Uri-Path/Uri-Query segments to 0-255 bytes each; we
// validate those the way marmos91-dittofs validates its own request
// structs, rather than hand-rolling length checks inline.
type uriParts struct {
	Host  string   `validate:"omitempty,min=1,max=255"`
	Path  []string `validate:"dive,max=255"`
	Query []string `validate:"dive,max=255"`
}

var uriValidator = validator.New()

// SetURI populates Uri-Host, Uri-Port, Uri-Path, and Uri-Query from a
// "coap://host[:port]/path?query" URI string.
func (o OptionSet) SetURI(raw string) error {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return WrapError(KindIllegalState, nil, "missing scheme in URI "+raw)
	}
	_ = scheme

	hostport := rest
	path := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostport = rest[:i]
		path = rest[i+1:]
	}
	query := ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		query = path[i+1:]
		path = path[:i]
	}

	host := hostport
	var port uint16
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		host = hostport[:i]
		p, err := strconv.ParseUint(hostport[i+1:], 10, 16)
		if err != nil {
			return WrapError(KindIllegalState, err, "invalid port in URI "+raw)
		}
		port = uint16(p)
	}

	var pathSegs, querySegs []string
	if path != "" {
		pathSegs = strings.Split(path, "/")
	}
	if query != "" {
		querySegs = strings.Split(query, "&")
	}

	parts := uriParts{Host: host, Path: pathSegs, Query: querySegs}
	if err := uriValidator.Struct(parts); err != nil {
		return WrapError(KindIllegalState, err, "URI component out of bounds")
	}

	o.SetURIHost(host)
	o.SetURIPort(port)
	o.SetURIPathSegments(pathSegs)
	o.SetURIQuerySegments(querySegs)
	return nil
}

// URI reconstitutes a "coap://host[:port]/path?query" string from the
// option set, the inverse of SetURI.
func (o OptionSet) URI(scheme string) string {
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(o.URIHost())
	if port, ok := o.URIPort(); ok {
		fmt.Fprintf(&b, ":%d", port)
	}
	if segs := o.URIPathSegments(); len(segs) > 0 {
		b.WriteByte('/')
		b.WriteString(strings.Join(segs, "/"))
	}
	if segs := o.URIQuerySegments(); len(segs) > 0 {
		b.WriteByte('?')
		b.WriteString(strings.Join(segs, "&"))
	}
	return b.String()
}

// UnrecognisedCritical reports the first critical option present in the
// message that this OptionSet's type table doesn't define, or ok=false
// if none. The layer above uses it to make RFC 7252 §5.4.1's call:
// 4.02 Bad Option for a request, RST for a response.
func (o OptionSet) UnrecognisedCritical() (OptionID, bool) {
	for _, opt := range o.msg.opts {
		if _, known := optionDefFor(opt.ID); !known && opt.ID.IsCritical() {
			return opt.ID, true
		}
	}
	return 0, false
}

package coap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionSetURISetAndGet(t *testing.T) {
	m := &Message{}
	o := Options(m)
	require.NoError(t, o.SetURI("coap://example.com:1234/a/b?x=1&y=2"))

	assert.Equal(t, "example.com", o.URIHost())
	port, ok := o.URIPort()
	assert.True(t, ok)
	assert.Equal(t, uint16(1234), port)
	assert.Equal(t, []string{"a", "b"}, o.URIPathSegments())
	assert.Equal(t, []string{"x=1", "y=2"}, o.URIQuerySegments())

	assert.Equal(t, "coap://example.com:1234/a/b?x=1&y=2", o.URI("coap"))
}

func TestOptionSetURIDefaultPortOmitted(t *testing.T) {
	m := &Message{}
	o := Options(m)
	o.SetURIPort(5683)
	_, ok := o.URIPort()
	assert.False(t, ok, "the scheme default port must be omitted, not encoded")
}

func TestOptionSetBlockValueRoundTrip(t *testing.T) {
	m := &Message{}
	o := Options(m)
	o.SetBlock1(BlockValue{Num: 5, More: true, SZX: 3})

	got, ok := o.Block1()
	require.True(t, ok)
	assert.Equal(t, uint32(5), got.Num)
	assert.True(t, got.More)
	assert.Equal(t, uint8(3), got.SZX)
	assert.Equal(t, 128, got.Size()) // 1 << (3+4)
}

func TestSZXForSize(t *testing.T) {
	assert.Equal(t, uint8(0), SZXForSize(16))
	assert.Equal(t, uint8(6), SZXForSize(1024))
	assert.Equal(t, uint8(6), SZXForSize(100000), "SZX caps at 6 (1024-byte blocks)")
}

func TestOptionSetObserve(t *testing.T) {
	m := &Message{}
	o := Options(m)
	_, ok := o.Observe()
	assert.False(t, ok)

	o.SetObserve(42)
	v, ok := o.Observe()
	assert.True(t, ok)
	assert.Equal(t, uint32(42), v)

	o.ClearObserve()
	_, ok = o.Observe()
	assert.False(t, ok)
}

func TestOptionSetETagsAndIfMatch(t *testing.T) {
	m := &Message{}
	o := Options(m)
	o.AddETag([]byte{1, 2})
	o.AddETag([]byte{3, 4})
	assert.Equal(t, [][]byte{{1, 2}, {3, 4}}, o.ETags())

	o.AddIfMatch([]byte{5})
	assert.Equal(t, [][]byte{{5}}, o.IfMatch())

	assert.False(t, o.IfNoneMatch())
	o.SetIfNoneMatch(true)
	assert.True(t, o.IfNoneMatch())
	o.SetIfNoneMatch(false)
	assert.False(t, o.IfNoneMatch())
}

func TestOptionSetMaxAgeDefault(t *testing.T) {
	m := &Message{}
	o := Options(m)
	assert.Equal(t, uint32(60), o.MaxAge(), "Max-Age defaults to 60 when unset (RFC 7252 §5.10.5)")
	o.SetMaxAge(10)
	assert.Equal(t, uint32(10), o.MaxAge())
}

func TestOptionSetContentFormatAndAccept(t *testing.T) {
	m := &Message{}
	o := Options(m)
	_, ok := o.ContentFormat()
	assert.False(t, ok)

	o.SetContentFormat(AppJSON)
	mt, ok := o.ContentFormat()
	assert.True(t, ok)
	assert.Equal(t, AppJSON, mt)

	o.SetAccept(AppCBOR)
	mt, ok = o.Accept()
	assert.True(t, ok)
	assert.Equal(t, AppCBOR, mt)
}

func TestOptionSetUnrecognisedCritical(t *testing.T) {
	m := &Message{}
	m.AddOption(OptionID(65001), []byte{1}) // odd => critical, not in optionDefs
	o := Options(m)
	id, ok := o.UnrecognisedCritical()
	assert.True(t, ok)
	assert.Equal(t, OptionID(65001), id)

	m2 := &Message{}
	m2.AddOption(OptionID(65000), []byte{1}) // even => elective
	_, ok = Options(m2).UnrecognisedCritical()
	assert.False(t, ok)
}

func TestOptionSetSetURIRejectsMissingScheme(t *testing.T) {
	o := Options(&Message{})
	err := o.SetURI("example.com/a")
	assert.Error(t, err)
}

func TestOptionSetSetURIRejectsOversizedSegment(t *testing.T) {
	o := Options(&Message{})
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	err := o.SetURI("coap://host/" + string(long))
	assert.Error(t, err, "a path segment over 255 bytes must fail validation")
}

package udp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/utils"
)

func TestHeader_RoundtripBytesAndParse(t *testing.T) {
	mac, err := ParseMAC("a0:85:e3:f4:49:34")
	require.NoError(t, err)

	h := BuildHeader(mac, 0xBEEF, 7, 5)
	raw := append(h.Bytes(), []byte("hello")...)

	parsed, ciphertext, err := ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, h.Type, parsed.Type)
	assert.Equal(t, h.Cookie, parsed.Cookie)
	assert.Equal(t, h.Sequence, parsed.Sequence)
	assert.Equal(t, mac, parsed.MAC)
	assert.Equal(t, "a0:85:e3:f4:49:34", parsed.MACString())
	assert.Equal(t, []byte("hello"), ciphertext)
}

func TestParseHeader_TooShortIsMalformed(t *testing.T) {
	_, _, err := ParseHeader(make([]byte, 10))
	require.Error(t, err)
	var me *ErrMalformed
	assert.ErrorAs(t, err, &me)
}

func TestParseHeader_DeclaredLengthExceedsActual(t *testing.T) {
	mac, _ := ParseMAC("00:11:22:33:44:55")
	h := BuildHeader(mac, 1, 1, 100)
	raw := h.Bytes()
	_, _, err := ParseHeader(raw)
	require.Error(t, err)
}

func TestParseHeader_WrongTypeRejected(t *testing.T) {
	mac, _ := ParseMAC("00:11:22:33:44:55")
	h := BuildHeader(mac, 1, 1, 0)
	h.Type = 2
	_, _, err := ParseHeader(h.Bytes())
	require.Error(t, err)
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	var key [16]byte
	copy(key[:], []byte("0123456789abcdef"))
	mac, _ := ParseMAC("01:02:03:04:05:06")
	h := BuildHeader(mac, 42, 1, 4)
	iv := h.Bytes()

	plaintext := []byte("opus")
	ciphertext, err := Encrypt(key, iv, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := Decrypt(key, iv, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncrypt_DistinctSequenceProducesDistinctKeystream(t *testing.T) {
	var key [16]byte
	copy(key[:], []byte("0123456789abcdef"))
	mac, _ := ParseMAC("01:02:03:04:05:06")
	plaintext := []byte("same-plaintext!!")

	h1 := BuildHeader(mac, 42, 1, len(plaintext))
	h2 := BuildHeader(mac, 42, 2, len(plaintext))

	c1, err := Encrypt(key, h1.Bytes(), plaintext)
	require.NoError(t, err)
	c2, err := Encrypt(key, h2.Bytes(), plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, c1, c2)
}

type fakeTarget struct {
	delivered bool
	header    Header
}

func (f *fakeTarget) DeliverUDP(peer *net.UDPAddr, header Header, ciphertext []byte) {
	f.delivered = true
	f.header = header
}

func TestMux_RoutesByMACToRegisteredTarget(t *testing.T) {
	logger := utils.NewLogger("ERROR", "", "")
	target := &fakeTarget{}
	lookup := func(mac string) (Target, bool) {
		if mac == "a0:85:e3:f4:49:34" {
			return target, true
		}
		return nil, false
	}
	mux := NewMux(lookup, logger)

	mac, _ := ParseMAC("a0:85:e3:f4:49:34")
	h := BuildHeader(mac, 1, 1, 3)
	raw := append(h.Bytes(), []byte("abc")...)

	mux.HandleDatagram(&net.UDPAddr{}, raw)
	assert.True(t, target.delivered)
	assert.Equal(t, uint32(1), target.header.Sequence)
}

func TestMux_UnknownMACIsDropped(t *testing.T) {
	logger := utils.NewLogger("ERROR", "", "")
	mux := NewMux(func(string) (Target, bool) { return nil, false }, logger)

	mac, _ := ParseMAC("ff:ff:ff:ff:ff:ff")
	h := BuildHeader(mac, 1, 1, 0)
	mux.HandleDatagram(&net.UDPAddr{}, h.Bytes())
}

func TestMux_MalformedDatagramIsDropped(t *testing.T) {
	logger := utils.NewLogger("ERROR", "", "")
	called := false
	mux := NewMux(func(string) (Target, bool) { called = true; return nil, false }, logger)

	mux.HandleDatagram(&net.UDPAddr{}, []byte{1, 2, 3})
	assert.False(t, called)
}

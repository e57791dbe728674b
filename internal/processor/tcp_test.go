package processor

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liminal/internal/config"
	"liminal/pkg/jsoncodec"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte(`{"a":1}`)))
	require.NoError(t, writeFrame(&buf, []byte{}))

	assert.Equal(t, []byte{0, 0, 0, 7}, buf.Bytes()[:4])

	first, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(first))

	second, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, second)

	_, err = readFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameErrors(t *testing.T) {
	t.Run("truncated body", func(t *testing.T) {
		raw := []byte{0, 0, 0, 10, 'a', 'b'}
		_, err := readFrame(bytes.NewReader(raw))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("oversized header", func(t *testing.T) {
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], maxFrameSize+1)
		_, err := readFrame(bytes.NewReader(header[:]))
		assert.Error(t, err)
	})

	t.Run("oversized write", func(t *testing.T) {
		err := writeFrame(io.Discard, make([]byte, maxFrameSize+1))
		assert.Error(t, err)
	})
}

func TestParseTCPParams(t *testing.T) {
	p, err := parseTCPParams(map[string]interface{}{"mode": "server", "port": 0})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", p.Host)

	p, err = parseTCPParams(nil)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", p.addr())

	_, err = parseTCPParams(map[string]interface{}{"port": 0})
	assert.Error(t, err, "clients need a port")

	_, err = parseTCPParams(map[string]interface{}{"mode": "peer"})
	assert.Error(t, err)
}

type addresser interface {
	Addr() net.Addr
}

func TestTCPLoopback(t *testing.T) {
	in := newHarness(t, "tcp", config.RoleInput, map[string]interface{}{
		"mode": "server",
		"host": "127.0.0.1",
		"port": 0,
	})
	addr, ok := in.proc.(addresser)
	require.True(t, ok)
	port := addr.Addr().(*net.TCPAddr).Port

	out := newHarness(t, "tcp", config.RoleOutput, map[string]interface{}{
		"mode": "client",
		"host": "127.0.0.1",
		"port": strconv.Itoa(port),
	})

	msg := out.send(map[string]interface{}{"value": 42.0})
	require.NoError(t, out.step())

	require.NoError(t, in.step())
	got := in.next()
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, in.name, got.Source)
}

func TestTCPInputDecodesPlainDocuments(t *testing.T) {
	in := newHarness(t, "tcp", config.RoleInput, map[string]interface{}{
		"mode": "server",
		"host": "127.0.0.1",
		"port": 0,
	})
	conn, err := net.Dial("tcp", in.proc.(addresser).Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	body, err := jsoncodec.Marshal(map[string]interface{}{"sensor": "s1"})
	require.NoError(t, err)
	require.NoError(t, writeFrame(conn, body))
	require.NoError(t, writeFrame(conn, []byte("not json")))

	require.NoError(t, in.step())
	assert.Equal(t, map[string]interface{}{"sensor": "s1"}, in.next().Payload)

	require.NoError(t, in.step())
	assert.Equal(t, map[string]interface{}{"raw": "not json"}, in.next().Payload)
}

package ws

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientServerHandshakeRoundTrip(t *testing.T) {
	req, key, err := BuildClientRequest("example.test", "/chat", false)
	require.NoError(t, err)

	var reqBuf bytes.Buffer
	require.NoError(t, WriteRequest(&reqBuf, req))

	parsed, err := ReadClientRequest(bytes.NewReader(reqBuf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, key, parsed.Key)
	require.False(t, parsed.MaskOverrideRequested)

	var respBuf bytes.Buffer
	require.NoError(t, WriteSwitchingProtocols(&respBuf, parsed.Key, false))

	// BuildClientRequest mutates RequestURI via WriteRequest; rebuild a
	// fresh request object for ReadServerResponse's http.ReadResponse
	// context, matching how a real client keeps its original request.
	req2, _, err := BuildClientRequest("example.test", "/chat", false)
	require.NoError(t, err)
	granted, err := ReadServerResponse(bytes.NewReader(respBuf.Bytes()), req2, parsed.Key)
	require.NoError(t, err)
	require.False(t, granted)
}

func TestHandshakeMaskOverrideNegotiation(t *testing.T) {
	req, key, err := BuildClientRequest("example.test", "/", true)
	require.NoError(t, err)

	var reqBuf bytes.Buffer
	require.NoError(t, WriteRequest(&reqBuf, req))

	parsed, err := ReadClientRequest(bytes.NewReader(reqBuf.Bytes()))
	require.NoError(t, err)
	require.True(t, parsed.MaskOverrideRequested)

	var respBuf bytes.Buffer
	require.NoError(t, WriteSwitchingProtocols(&respBuf, parsed.Key, true))

	granted, err := ReadServerResponse(bytes.NewReader(respBuf.Bytes()), req, key)
	require.NoError(t, err)
	require.True(t, granted)
}

func TestReadClientRequestRejectsBadVersion(t *testing.T) {
	raw := "GET /chat HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 8\r\n" +
		"\r\n"
	_, err := ReadClientRequest(bytes.NewReader([]byte(raw)))
	require.ErrorIs(t, err, errBadWebSocketVersion)
}

func TestReadClientRequestRejectsMissingKey(t *testing.T) {
	raw := "GET /chat HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"
	_, err := ReadClientRequest(bytes.NewReader([]byte(raw)))
	require.ErrorIs(t, err, errMissingWebSocketKey)
}

func TestReadClientRequestRejectsNonUpgrade(t *testing.T) {
	raw := "GET /chat HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"\r\n"
	_, err := ReadClientRequest(bytes.NewReader([]byte(raw)))
	require.ErrorIs(t, err, errInvalidUpgradeHeaders)
}

func TestReadClientRequestRejectsSubprotocol(t *testing.T) {
	raw := "GET /chat HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Protocol: chat\r\n" +
		"\r\n"
	_, err := ReadClientRequest(bytes.NewReader([]byte(raw)))
	require.ErrorIs(t, err, errUnexpectedSubprotocol)
}

func TestReadClientRequestRejectsContentLength(t *testing.T) {
	raw := "GET /chat HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
	_, err := ReadClientRequest(bytes.NewReader([]byte(raw)))
	require.ErrorIs(t, err, errUnexpectedContentLength)
}

func TestReadClientRequestRejectsNonGetMethod(t *testing.T) {
	raw := "POST /chat HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
	_, err := ReadClientRequest(bytes.NewReader([]byte(raw)))
	require.ErrorIs(t, err, errBadHandshakeMethod)
}

func TestReadServerResponseRejectsSubprotocol(t *testing.T) {
	req, key, err := BuildClientRequest("example.test", "/", false)
	require.NoError(t, err)

	raw := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Accept: " + acceptKeyFor(key) + "\r\n" +
		"Sec-WebSocket-Protocol: chat\r\n" +
		"\r\n"
	_, err = ReadServerResponse(bytes.NewReader([]byte(raw)), req, key)
	require.ErrorIs(t, err, errUnexpectedSubprotocol)
}

func TestReadServerResponseRejectsContentLength(t *testing.T) {
	req, key, err := BuildClientRequest("example.test", "/", false)
	require.NoError(t, err)

	raw := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Accept: " + acceptKeyFor(key) + "\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
	_, err = ReadServerResponse(bytes.NewReader([]byte(raw)), req, key)
	require.ErrorIs(t, err, errUnexpectedContentLength)
}

func TestReadServerResponseRejectsWrongStatus(t *testing.T) {
	req, key, err := BuildClientRequest("example.test", "/", false)
	require.NoError(t, err)

	raw := "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"
	_, err = ReadServerResponse(bytes.NewReader([]byte(raw)), req, key)
	require.Error(t, err)
}

func TestWriteRejectionProducesErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRejection(&buf, http.StatusUnauthorized, "bad handshake"))
	require.Contains(t, buf.String(), "401")
}

func TestAcceptKeyMatchesRFCExample(t *testing.T) {
	// RFC 6455 §1.3 worked example.
	require.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", acceptKeyFor("dGhlIHNhbXBsZSBub25jZQ=="))
}

package ws

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

const (
	headerConnection        = "Connection"
	headerUpgrade           = "Upgrade"
	headerSecWebSocketKey   = "Sec-WebSocket-Key"
	headerSecWebSocketVer   = "Sec-WebSocket-Version"
	headerSecWebSocketAccpt = "Sec-WebSocket-Accept"
	headerSecWebSocketProto = "Sec-WebSocket-Protocol"
	headerContentLength     = "Content-Length"

	// headerMaskOverride is a non-standard extension (not part of RFC
	// 6455) letting a client ask the server to skip masking entirely.
	// Gated behind AllowMaskOverride on both sides and off by default,
	// since accepting it unconditionally would let any peer disable a
	// protocol-mandated integrity property (SPEC_FULL.md Open Question
	// decision).
	headerMaskOverride = "Custom-DisableWebSocketMasks"
)

var (
	errInvalidUpgradeHeaders = errors.New("websocket: invalid upgrade headers")
	errMissingWebSocketKey   = errors.New("websocket: missing Sec-WebSocket-Key header")
	errBadWebSocketVersion   = errors.New("websocket: unsupported Sec-WebSocket-Version, only 13 is supported")
	errHandshakeRejected     = errors.New("websocket: server rejected handshake")
	// errUnexpectedSubprotocol and errUnexpectedContentLength reject peers
	// that send headers this implementation does not negotiate (spec.md
	// §4.8: no subprotocol negotiation, and a handshake message never
	// carries a body).
	errUnexpectedSubprotocol   = errors.New("websocket: unexpected Sec-WebSocket-Protocol header")
	errUnexpectedContentLength = errors.New("websocket: unexpected Content-Length header")
	errBadHandshakeMethod      = errors.New("websocket: handshake request method must be GET")
)

// generateClientKey produces a fresh base64-encoded 16-byte nonce for
// Sec-WebSocket-Key (RFC 6455 §4.1).
func generateClientKey() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", errors.Wrap(err, "generate websocket key")
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

func acceptKeyFor(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey + webSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// BuildClientRequest constructs the HTTP/1.1 Upgrade request for a client
// handshake. requestMaskOverride asks the server (via the non-standard
// header) to permit unmasked client frames; the server may ignore it.
func BuildClientRequest(host, path string, requestMaskOverride bool) (*http.Request, string, error) {
	key, err := generateClientKey()
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequest(http.MethodGet, "ws://"+host+path, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "build websocket request")
	}
	req.Header.Set(headerUpgrade, "websocket")
	req.Header.Set(headerConnection, "Upgrade")
	req.Header.Set(headerSecWebSocketKey, key)
	req.Header.Set(headerSecWebSocketVer, requiredVersion)
	if requestMaskOverride {
		req.Header.Set(headerMaskOverride, "true")
	}
	return req, key, nil
}

// WriteRequest serializes req onto w.
func WriteRequest(w io.Writer, req *http.Request) error {
	req.RequestURI = ""
	if err := req.Write(w); err != nil {
		return errors.Wrap(err, "write websocket request")
	}
	return nil
}

// ReadServerResponse reads and validates the server's HTTP 101 response,
// returning whether the server granted the client's mask-override request.
func ReadServerResponse(r io.Reader, req *http.Request, clientKey string) (maskOverrideGranted bool, err error) {
	br := bufio.NewReader(r)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return false, errors.Wrap(err, "read websocket response")
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return false, errors.Wrapf(errHandshakeRejected, "status %d", resp.StatusCode)
	}
	if !headerContainsToken(resp.Header, headerConnection, "Upgrade") ||
		!headerContainsToken(resp.Header, headerUpgrade, "websocket") {
		return false, errInvalidUpgradeHeaders
	}
	if resp.Header.Get(headerSecWebSocketAccpt) != acceptKeyFor(clientKey) {
		return false, errors.New("websocket: Sec-WebSocket-Accept mismatch")
	}
	if resp.Header.Get(headerSecWebSocketProto) != "" {
		return false, errUnexpectedSubprotocol
	}
	if resp.Header.Get(headerContentLength) != "" {
		return false, errUnexpectedContentLength
	}
	return resp.Header.Get(headerMaskOverride) == "true", nil
}

// ClientHandshakeRequest is a parsed, validated inbound Upgrade request
// seen by a server.
type ClientHandshakeRequest struct {
	Key                  string
	MaskOverrideRequested bool
}

// ReadClientRequest reads and validates an inbound HTTP/1.1 Upgrade
// request, per RFC 6455 §4.2.1 and grounded in the teacher's
// DoHandshakeCore (momentics-hioload-ws/core/protocol/handshake.go),
// generalized to also recognize the mask-override extension header.
func ReadClientRequest(r io.Reader) (ClientHandshakeRequest, error) {
	br := bufio.NewReader(r)
	req, err := http.ReadRequest(br)
	if err != nil {
		return ClientHandshakeRequest{}, errors.Wrap(err, "read websocket request")
	}

	total := 0
	for k, vs := range req.Header {
		total += len(k)
		for _, v := range vs {
			total += len(v)
		}
	}
	if total > maxHandshakeHeaderBytes {
		return ClientHandshakeRequest{}, errors.New("websocket: handshake headers too large")
	}

	if req.Method != http.MethodGet {
		return ClientHandshakeRequest{}, errBadHandshakeMethod
	}
	if req.Header.Get(headerSecWebSocketProto) != "" {
		return ClientHandshakeRequest{}, errUnexpectedSubprotocol
	}
	if req.Header.Get(headerContentLength) != "" {
		return ClientHandshakeRequest{}, errUnexpectedContentLength
	}
	if !headerContainsToken(req.Header, headerConnection, "Upgrade") ||
		!headerContainsToken(req.Header, headerUpgrade, "websocket") {
		return ClientHandshakeRequest{}, errInvalidUpgradeHeaders
	}
	if req.Header.Get(headerSecWebSocketVer) != requiredVersion {
		return ClientHandshakeRequest{}, errBadWebSocketVersion
	}
	key := req.Header.Get(headerSecWebSocketKey)
	if key == "" {
		return ClientHandshakeRequest{}, errMissingWebSocketKey
	}

	return ClientHandshakeRequest{
		Key:                  key,
		MaskOverrideRequested: req.Header.Get(headerMaskOverride) == "true",
	}, nil
}

// WriteSwitchingProtocols writes the HTTP 101 response accepting the
// handshake. maskOverrideGranted, if true, echoes the mask-override header
// back so the client knows it may send unmasked frames.
func WriteSwitchingProtocols(w io.Writer, clientKey string, maskOverrideGranted bool) error {
	hdr := http.Header{}
	hdr.Set(headerUpgrade, "websocket")
	hdr.Set(headerConnection, "Upgrade")
	hdr.Set(headerSecWebSocketAccpt, acceptKeyFor(clientKey))
	if maskOverrideGranted {
		hdr.Set(headerMaskOverride, "true")
	}

	if _, err := fmt.Fprint(w, "HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}

// WriteRejection writes a minimal HTTP error response rejecting a
// handshake that failed validation (grounded on
// WebSocketAcceptingClientImpl's reject-with-401 behavior in
// original_source/).
func WriteRejection(w io.Writer, status int, reason string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n",
		status, http.StatusText(status))
	_ = reason
	return err
}

func headerContainsToken(h http.Header, headerName, token string) bool {
	vals := h[http.CanonicalHeaderKey(headerName)]
	token = strings.ToLower(token)
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			if strings.ToLower(strings.TrimSpace(part)) == token {
				return true
			}
		}
	}
	return false
}

package ws

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"

	"github.com/nplex/userver/httpcore"
)

// wsGUID is the fixed key-derivation suffix from RFC 6455 §4.2.2.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey derives the Sec-WebSocket-Accept value for a client's
// Sec-WebSocket-Key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// IsUpgrade reports whether req carries a well-formed WebSocket upgrade:
// GET, Upgrade: websocket, Connection: upgrade, non-empty
// Sec-WebSocket-Key.
func IsUpgrade(req *httpcore.Request) bool {
	if req.Method != "GET" {
		return false
	}
	upgrade, _ := req.Header.Get("Upgrade")
	if !strings.EqualFold(upgrade, "websocket") {
		return false
	}
	conn, _ := req.Header.Get("Connection")
	if !connectionHasUpgrade(conn) {
		return false
	}
	key, _ := req.Header.Get("Sec-WebSocket-Key")
	return key != ""
}

// connectionHasUpgrade accepts both a bare "upgrade" and the
// comma-separated option lists clients send ("keep-alive, Upgrade").
func connectionHasUpgrade(v string) bool {
	for len(v) > 0 {
		var tok string
		if idx := strings.IndexByte(v, ','); idx >= 0 {
			tok, v = v[:idx], v[idx+1:]
		} else {
			tok, v = v, ""
		}
		if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
			return true
		}
	}
	return false
}

// Upgrade completes the server-side handshake: it sends the 101
// response and returns a Stream owning the connection. The request must
// have passed IsUpgrade.
func Upgrade(req *httpcore.Request) *Stream {
	key, _ := req.Header.Get("Sec-WebSocket-Key")
	req.SetStatus(101)
	req.Set("Upgrade", "websocket")
	req.Set("Connection", "Upgrade")
	req.Set("Sec-WebSocket-Accept", AcceptKey(key))
	w := req.Send()
	w.CloseOutput()
	return NewStream(req.Detach(), false)
}

// Handler adapts a WebSocket connect callback into an httpcore.Handler
// for a registered path: only GET is accepted, the handshake headers
// are verified, the framework sends the 101, and connect is given a
// Stream whose lifetime it owns.
func Handler(connect func(*Stream)) httpcore.Handler {
	return func(req *httpcore.Request, path string) bool {
		if req.Method != "GET" {
			req.Set("Allow", "GET")
			req.SetStatus(405)
			req.SendBody(nil)
			return true
		}
		if !IsUpgrade(req) {
			return false
		}
		connect(Upgrade(req))
		return true
	}
}

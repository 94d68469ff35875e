package sio

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Engine.IO v4 packet types.
const (
	engineOpen    byte = '0'
	engineClose   byte = '1'
	enginePing    byte = '2'
	enginePong    byte = '3'
	engineMessage byte = '4'
)

// Socket.IO v5 packet types, carried inside engine messages.
const (
	sioConnect      byte = '0'
	sioDisconnect   byte = '1'
	sioEvent        byte = '2'
	sioConnectError byte = '4'
)

// DefaultPath is the Socket.IO endpoint path.
const DefaultPath = "/socket.io/"

type packet struct {
	engine byte
	sio    byte
	data   []byte
}

func parsePacket(frame []byte) (packet, error) {
	if len(frame) == 0 {
		return packet{}, fmt.Errorf("sio: empty frame")
	}

	p := packet{engine: frame[0], data: frame[1:]}
	if p.engine == engineMessage {
		if len(p.data) == 0 {
			return packet{}, fmt.Errorf("sio: empty message packet")
		}

		p.sio = p.data[0]
		p.data = stripNamespaceAndAck(p.data[1:])
	}

	return p, nil
}

// stripNamespaceAndAck drops an optional "/nsp," prefix and ack id digits.
func stripNamespaceAndAck(data []byte) []byte {
	if len(data) > 0 && data[0] == '/' {
		if i := bytes.IndexByte(data, ','); i >= 0 {
			data = data[i+1:]
		} else {
			return nil
		}
	}

	i := 0
	for i < len(data) && data[i] >= '0' && data[i] <= '9' {
		i++
	}

	return data[i:]
}

type openPayload struct {
	SID          string `json:"sid"`
	PingInterval int64  `json:"pingInterval"`
	PingTimeout  int64  `json:"pingTimeout"`
}

// heartbeat is how long the server may stay silent before the connection is
// considered dead.
func (o openPayload) heartbeat() time.Duration {
	d := time.Duration(o.PingInterval+o.PingTimeout) * time.Millisecond
	if d <= 0 {
		return 45 * time.Second
	}

	return d
}

type connectErrorPayload struct {
	Message string `json:"message"`
}

func encodeConnect(auth any) ([]byte, error) {
	buf := []byte{engineMessage, sioConnect}
	if auth == nil {
		return buf, nil
	}

	body, err := json.Marshal(auth)
	if err != nil {
		return nil, err
	}

	return append(buf, body...), nil
}

func encodeEvent(name string, payload any) ([]byte, error) {
	args := []any{name}
	if payload != nil {
		args = append(args, payload)
	}

	body, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	return append([]byte{engineMessage, sioEvent}, body...), nil
}

// decodeEvent splits an event array into its name and first argument. The
// argument is nil when the event carries none.
func decodeEvent(data []byte) (string, []byte, error) {
	var args []jsoniter.RawMessage
	if err := json.Unmarshal(data, &args); err != nil {
		return "", nil, fmt.Errorf("sio: decode event: %w", err)
	}

	if len(args) == 0 {
		return "", nil, fmt.Errorf("sio: event without name")
	}

	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, fmt.Errorf("sio: event name: %w", err)
	}

	if len(args) == 1 {
		return name, nil, nil
	}

	return name, []byte(args[1]), nil
}

// BuildURL turns an http(s) base URL into the websocket endpoint.
func BuildURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("sio: unsupported scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("sio: missing host in %q", base)
	}

	if path == "" {
		path = DefaultPath
	}

	u.Path = "/" + strings.Trim(path, "/") + "/"

	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()

	return u.String(), nil
}

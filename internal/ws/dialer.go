package ws

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// GorillaDialer dials chat sockets with the session cookies of the REST client.
type GorillaDialer struct {
	dialer *websocket.Dialer
	header http.Header
}

func NewDialer(jar http.CookieJar, origin string, handshakeTimeout time.Duration) *GorillaDialer {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return &GorillaDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			Jar:              jar,
		},
		header: header,
	}
}

func (d *GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// ChatURL is the socket URL of one conversation.
func ChatURL(base string, chatID int64) string {
	return strings.TrimSuffix(base, "/") + "/ws/chat/" + strconv.FormatInt(chatID, 10) + "/"
}

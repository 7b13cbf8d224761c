/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package source speaks the Icecast and Shoutcast source protocols over raw
// TCP so a broadcast can be pushed into a third-party streaming server.
package source

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ClientUA identifies this client in handshakes and admin calls.
const ClientUA = "BragiCast/1.0"

// handshakeTimeout bounds connect plus authentication.
const handshakeTimeout = 10 * time.Second

// Kind classifies a source-client failure.
type Kind string

const (
	KindConnectTimeout Kind = "connect_timeout"
	KindAuthFailed     Kind = "auth_failed"
	KindMountBusy      Kind = "mount_busy"
	KindProtocolError  Kind = "protocol_error"
	KindIOError        Kind = "io_error"
)

// Error is a classified source-client failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

func kindErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the failure kind from an error, or empty.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ""
}

// Credentials describes an external streaming server target.
type Credentials struct {
	Type     string `json:"type"` // "icecast" or "shoutcast"
	Host     string `json:"host"`
	Port     string `json:"port"`
	Mount    string `json:"mount,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
	StreamID string `json:"streamId,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Client is an authenticated source connection; audio written to it flows to
// the external server's listeners.
type Client struct {
	conn  net.Conn
	creds Credentials
}

var statusLine = regexp.MustCompile(`\s(\d{3})\s`)

// Connect dials the server and completes the handshake for the credential
// type. The whole operation observes a 10-second deadline.
func Connect(creds Credentials, logger zerolog.Logger) (*Client, error) {
	creds = Normalize(creds)

	deadline := time.Now().Add(handshakeTimeout)
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(creds.Host, creds.Port), handshakeTimeout)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, kindErr(KindConnectTimeout, "connect to %s:%s timed out", creds.Host, creds.Port)
		}
		return nil, kindErr(KindIOError, "connect to %s:%s: %v", creds.Host, creds.Port, err)
	}
	conn.SetDeadline(deadline)

	var handshakeErr error
	switch strings.ToLower(creds.Type) {
	case "shoutcast":
		handshakeErr = shoutcastHandshake(conn, creds)
	default:
		handshakeErr = icecastHandshake(conn, creds)
	}
	if handshakeErr != nil {
		conn.Close()
		return nil, handshakeErr
	}

	conn.SetDeadline(time.Time{})
	logger.Info().
		Str("component", "source").
		Str("type", creds.Type).
		Str("host", creds.Host).
		Str("mount", creds.Mount).
		Msg("source connected")
	return &Client{conn: conn, creds: creds}, nil
}

// Write forwards audio bytes to the external server.
func (c *Client) Write(p []byte) (int, error) {
	n, err := c.conn.Write(p)
	if err != nil {
		return n, kindErr(KindIOError, "source write: %v", err)
	}
	return n, nil
}

// Close tears the source connection down.
func (c *Client) Close() error { return c.conn.Close() }

// ListenerURL is the public playback URL for the configured target.
func (c *Client) ListenerURL() string { return ListenerURL(c.creds) }

// ListenerURL builds the playback URL for a set of credentials.
func ListenerURL(creds Credentials) string {
	creds = Normalize(creds)
	if strings.EqualFold(creds.Type, "shoutcast") {
		return "http://" + creds.Host + ":" + creds.Port + "/;"
	}
	return "http://" + creds.Host + ":" + creds.Port + creds.Mount
}

// Normalize applies the mount/host/user defaulting rules.
func Normalize(creds Credentials) Credentials {
	var hostPath string
	creds.Host, creds.Port, hostPath = normalizeHost(creds.Host, creds.Port)
	if creds.Mount == "" {
		// A full URL in the host field supplies the mount when none was
		// given explicitly.
		creds.Mount = hostPath
	}
	creds.Mount = NormalizeMount(creds.Mount)
	if creds.Username == "" {
		creds.Username = "source"
	}
	if creds.Port == "" {
		creds.Port = "8000"
	}
	if creds.Name == "" {
		creds.Name = "Bragi Cast"
	}
	return creds
}

// NormalizeMount canonicalizes a mount point: URLs are reduced to their
// path, query and fragment are stripped, slashes are collapsed, and the
// result carries exactly one leading slash and no trailing slash (unless the
// path is just "/").
func NormalizeMount(mount string) string {
	if strings.Contains(mount, "://") {
		if u, err := url.Parse(mount); err == nil {
			mount = u.Path
		}
	}
	if i := strings.IndexAny(mount, "?#"); i >= 0 {
		mount = mount[:i]
	}
	mount = "/" + strings.Trim(mount, "/")
	for strings.Contains(mount, "//") {
		mount = strings.ReplaceAll(mount, "//", "/")
	}
	return mount
}

func normalizeHost(host, port string) (string, string, string) {
	var path string
	if strings.Contains(host, "://") {
		if u, err := url.Parse(host); err == nil {
			if p := u.Port(); p != "" && port == "" {
				port = p
			}
			if u.Path != "" && u.Path != "/" {
				path = u.Path
			}
			host = u.Hostname()
		}
	}
	return host, port, path
}

// icecastHandshake performs the SOURCE request and checks the status line.
func icecastHandshake(conn net.Conn, creds Credentials) error {
	auth := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))
	req := "SOURCE " + creds.Mount + " HTTP/1.0\r\n" +
		"content-type: audio/mpeg\r\n" +
		"Authorization: Basic " + auth + "\r\n" +
		"User-Agent: " + ClientUA + "\r\n" +
		"ice-name: " + creds.Name + "\r\n" +
		"ice-public: 0\r\n" +
		"\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		return kindErr(KindIOError, "send handshake: %v", err)
	}

	resp, err := readResponse(conn)
	if err != nil {
		return err
	}

	if strings.Contains(resp, "200 OK") {
		return nil
	}
	m := statusLine.FindStringSubmatch(resp)
	if m == nil {
		return kindErr(KindProtocolError, "unrecognized response: %q", firstLine(resp))
	}
	switch {
	case m[1][0] == '2':
		return nil
	case m[1] == "401":
		return kindErr(KindAuthFailed, "authentication failed")
	case m[1] == "403":
		return kindErr(KindMountBusy, "mount point in use or forbidden")
	default:
		return kindErr(KindProtocolError, "server rejected source: %s", firstLine(resp))
	}
}

// shoutcastHandshake performs the DNAS v1 password exchange and sends the
// audio headers on success.
func shoutcastHandshake(conn net.Conn, creds Credentials) error {
	password := creds.Password
	if creds.StreamID != "" {
		password += ":#" + creds.StreamID
	}
	if _, err := conn.Write([]byte(password + "\r\n")); err != nil {
		return kindErr(KindIOError, "send password: %v", err)
	}

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		return kindErr(KindIOError, "read handshake response: %v", err)
	}
	resp := string(buf[:n])
	lower := strings.ToLower(resp)

	switch {
	case strings.Contains(resp, "OK"):
	case strings.Contains(lower, "invalid password") || strings.Contains(lower, "denied"):
		return kindErr(KindAuthFailed, "authentication failed")
	default:
		return kindErr(KindProtocolError, "unexpected response: %q", firstLine(resp))
	}

	headers := "content-type: audio/mpeg\r\n" +
		"icy-name: " + creds.Name + "\r\n" +
		"icy-pub: 0\r\n" +
		"\r\n"
	if _, err := conn.Write([]byte(headers)); err != nil {
		return kindErr(KindIOError, "send audio headers: %v", err)
	}
	return nil
}

// readResponse accumulates response bytes until a blank line or 2048 bytes.
func readResponse(conn net.Conn) (string, error) {
	var b strings.Builder
	buf := make([]byte, 256)
	for b.Len() < 2048 {
		n, err := conn.Read(buf)
		if n > 0 {
			b.Write(buf[:n])
			if strings.Contains(b.String(), "\r\n\r\n") {
				break
			}
		}
		if err != nil {
			if b.Len() > 0 {
				break
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return "", kindErr(KindConnectTimeout, "handshake timed out")
			}
			return "", kindErr(KindIOError, "read handshake response: %v", err)
		}
	}
	return b.String(), nil
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// Test opens a connection, authenticates and immediately tears it down.
func Test(creds Credentials, logger zerolog.Logger) (bool, string) {
	client, err := Connect(creds, logger)
	if err != nil {
		return false, err.Error()
	}
	client.Close()
	return true, ""
}

// metadataClient is shared by fire-and-forget admin updates.
var metadataClient = &http.Client{Timeout: 10 * time.Second}

// UpdateMetadata pushes a song title to the server's admin endpoint. Any
// failure logs a warning and reports false.
func UpdateMetadata(creds Credentials, title string, logger zerolog.Logger) bool {
	creds = Normalize(creds)

	var target string
	var req *http.Request
	var err error
	if strings.EqualFold(creds.Type, "shoutcast") {
		target = "http://" + net.JoinHostPort(creds.Host, creds.Port) +
			"/admin.cgi?mode=updinfo&song=" + url.QueryEscape(title) +
			"&pass=" + url.QueryEscape(creds.Password)
		req, err = http.NewRequest(http.MethodGet, target, nil)
	} else {
		target = "http://" + net.JoinHostPort(creds.Host, creds.Port) +
			"/admin/metadata?mount=" + url.QueryEscape(creds.Mount) +
			"&mode=updinfo&song=" + url.QueryEscape(title)
		req, err = http.NewRequest(http.MethodGet, target, nil)
		if err == nil {
			req.SetBasicAuth(creds.Username, creds.Password)
		}
	}
	if err != nil {
		logger.Warn().Err(err).Msg("metadata update request build failed")
		return false
	}
	req.Header.Set("User-Agent", ClientUA)

	resp, err := metadataClient.Do(req)
	if err != nil {
		logger.Warn().Err(err).Str("host", creds.Host).Msg("metadata update failed")
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warn().Int("status", resp.StatusCode).Str("host", creds.Host).Msg("metadata update rejected")
		return false
	}
	return true
}

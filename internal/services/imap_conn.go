package services

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mailpush/internal/models"
	"mailpush/internal/pingsync"
	"mailpush/internal/utils"

	"github.com/emersion/go-imap/client"
	"golang.org/x/net/proxy"
)

var (
	// ErrIMAPDial marks failures to reach the IMAP server.
	ErrIMAPDial = errors.New("imap dial failed")
	// ErrIMAPAuth marks credentials rejected by the IMAP server.
	ErrIMAPAuth = errors.New("imap authentication failed")
)

// IMAPConnector opens an authenticated IMAP session for an account.
type IMAPConnector interface {
	Connect(ctx context.Context, account *models.EmailAccount) (*client.Client, error)
}

// IMAPDialer connects to IMAP servers directly or through a SOCKS5/HTTP proxy
// and logs in with a password or an OAuth2 bearer token.
type IMAPDialer struct {
	tokens  *OAuth2TokenProvider
	timeout time.Duration
	debug   bool
	logger  *utils.Logger
}

// NewIMAPDialer creates a dialer. tokens may be nil when no account uses OAuth2.
func NewIMAPDialer(tokens *OAuth2TokenProvider, timeout time.Duration, debug bool) *IMAPDialer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IMAPDialer{
		tokens:  tokens,
		timeout: timeout,
		debug:   debug,
		logger:  utils.NewLogger("IMAP"),
	}
}

// imapEndpoint resolves the server address and login name of an account.
// CustomSettings imap_server, imap_port and imap_username override the provider.
func imapEndpoint(account *models.EmailAccount) (host string, port int, username string) {
	host = account.MailProvider.IMAPServer
	port = account.MailProvider.IMAPPort
	username = account.EmailAddress
	if v := account.CustomSettings["imap_server"]; v != "" {
		host = v
	}
	if v := account.CustomSettings["imap_port"]; v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}
	if v := account.CustomSettings["imap_username"]; v != "" {
		username = v
	}
	return host, port, username
}

// Connect dials, optionally wraps the connection in TLS (port 993) and logs in.
func (d *IMAPDialer) Connect(ctx context.Context, account *models.EmailAccount) (*client.Client, error) {
	host, port, username := imapEndpoint(account)
	if host == "" || port == 0 {
		return nil, fmt.Errorf("%w: no IMAP server configured for %s", ErrIMAPDial, account.EmailAddress)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, err := d.dial(ctx, account.Proxy, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIMAPDial, addr, err)
	}

	// 登录完成前 ctx 被取消时关闭连接，让阻塞的读写立即返回
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if port == 993 {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: TLS handshake with %s: %v", ErrIMAPDial, addr, err)
		}
		conn = tlsConn
	}

	c, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: greeting from %s: %v", ErrIMAPDial, addr, err)
	}
	c.ErrorLog = imapErrorLog{d.logger}
	if d.debug {
		c.SetDebug(d.logger.Writer())
	}

	if err := d.authenticate(ctx, c, account, username); err != nil {
		c.Logout()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	d.logger.Debug("Logged in to %s as %s using %s auth", addr, username, account.AuthType)
	return c, nil
}

func (d *IMAPDialer) authenticate(ctx context.Context, c *client.Client, account *models.EmailAccount, username string) error {
	switch account.AuthType {
	case models.AuthTypePassword, "":
		if err := c.Login(username, account.Password); err != nil {
			return fmt.Errorf("%w: %v", ErrIMAPAuth, err)
		}
	case models.AuthTypeOAuth2:
		if d.tokens == nil {
			return fmt.Errorf("%w: %s", ErrOAuth2NotConfigured, account.EmailAddress)
		}
		token, err := d.tokens.AccessToken(ctx, account)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIMAPAuth, err)
		}
		if err := c.Authenticate(NewXOAuth2Client(username, token)); err != nil {
			return fmt.Errorf("%w: %v", ErrIMAPAuth, err)
		}
	default:
		return fmt.Errorf("unsupported auth type: %s", account.AuthType)
	}
	return nil
}

func (d *IMAPDialer) dial(ctx context.Context, proxyURL, addr string) (net.Conn, error) {
	direct := &net.Dialer{Timeout: d.timeout, KeepAlive: 30 * time.Second}
	if proxyURL == "" {
		return direct.DialContext(ctx, "tcp", addr)
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	dialer, err := d.proxyDialer(u, direct)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("Connecting to %s via %s proxy %s", addr, u.Scheme, u.Host)
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return dialer.Dial("tcp", addr)
}

// proxyDialer creates a dialer based on the proxy URL scheme
func (d *IMAPDialer) proxyDialer(u *url.URL, forward *net.Dialer) (proxy.Dialer, error) {
	switch u.Scheme {
	case "socks5", "socks5h":
		return proxy.FromURL(u, forward)
	case "http", "https":
		return &httpProxyDialer{proxyURL: u, forward: forward, logger: d.logger}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", u.Scheme)
	}
}

// httpProxyDialer tunnels TCP through an HTTP(S) proxy with CONNECT
type httpProxyDialer struct {
	proxyURL *url.URL
	forward  *net.Dialer
	logger   *utils.Logger
}

func (d *httpProxyDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *httpProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	proxyHost := d.proxyURL.Host
	if proxyHost == "" {
		return nil, errors.New("proxy URL missing host")
	}
	if d.proxyURL.Port() == "" {
		if d.proxyURL.Scheme == "https" {
			proxyHost = net.JoinHostPort(d.proxyURL.Hostname(), "443")
		} else {
			proxyHost = net.JoinHostPort(d.proxyURL.Hostname(), "80")
		}
	}

	var proxyConn net.Conn
	var err error
	if d.proxyURL.Scheme == "https" {
		td := &tls.Dialer{NetDialer: d.forward, Config: &tls.Config{ServerName: d.proxyURL.Hostname()}}
		proxyConn, err = td.DialContext(ctx, "tcp", proxyHost)
	} else {
		proxyConn, err = d.forward.DialContext(ctx, "tcp", proxyHost)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy at %s: %w", proxyHost, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		proxyConn.SetDeadline(deadline)
	} else {
		proxyConn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\n", addr)
	fmt.Fprintf(&req, "Host: %s\r\n", addr)
	req.WriteString("User-Agent: mailpush/1.0\r\n")
	req.WriteString("Proxy-Connection: Keep-Alive\r\n")
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		auth := base64.StdEncoding.EncodeToString([]byte(d.proxyURL.User.Username() + ":" + password))
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", auth)
	}
	req.WriteString("\r\n")

	if _, err := io.WriteString(proxyConn, req.String()); err != nil {
		proxyConn.Close()
		return nil, fmt.Errorf("failed to send CONNECT request: %w", err)
	}

	reader := bufio.NewReaderSize(proxyConn, 16)
	statusLine, err := readProxyLine(reader)
	if err != nil {
		proxyConn.Close()
		if errors.Is(err, io.EOF) {
			return nil, errors.New("proxy closed connection unexpectedly (EOF) - proxy may not support CONNECT method or requires authentication")
		}
		return nil, fmt.Errorf("failed to read proxy response: %w", err)
	}

	parts := strings.Fields(statusLine)
	if len(parts) < 2 {
		proxyConn.Close()
		return nil, fmt.Errorf("invalid proxy response: %s", statusLine)
	}
	for {
		line, err := readProxyLine(reader)
		if err != nil {
			proxyConn.Close()
			return nil, fmt.Errorf("failed to read proxy headers: %w", err)
		}
		if line == "" {
			break
		}
	}

	switch parts[1] {
	case "200":
	case "407":
		proxyConn.Close()
		return nil, errors.New("proxy authentication required (407) - please provide valid proxy credentials")
	case "403":
		proxyConn.Close()
		return nil, errors.New("proxy access forbidden (403) - the proxy server rejected the connection")
	default:
		proxyConn.Close()
		return nil, fmt.Errorf("proxy connection failed with status %s", strings.TrimSpace(statusLine))
	}

	proxyConn.SetDeadline(time.Time{})
	d.logger.Debug("Tunnel to %s established through %s", addr, proxyHost)
	if reader.Buffered() > 0 {
		// IMAP 服务器先发问候语，已读入缓冲区的部分不能丢
		return &bufferedConn{Conn: proxyConn, r: reader}, nil
	}
	return proxyConn, nil
}

// imapErrorLog routes go-imap's internal error log into the logger. Read errors
// after Terminate are expected, so they are only debug output.
type imapErrorLog struct {
	logger *utils.Logger
}

func (l imapErrorLog) Printf(format string, v ...interface{}) {
	l.logger.Debug(format, v...)
}

func (l imapErrorLog) Println(v ...interface{}) {
	l.logger.Debug("%s", strings.TrimSpace(fmt.Sprintln(v...)))
}

func readProxyLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// imapStatus classifies an IMAP error into an operation status code.
func imapStatus(err error) pingsync.StatusCode {
	var netErr net.Error
	switch {
	case err == nil:
		return pingsync.StatusOK
	case errors.Is(err, context.Canceled):
		return pingsync.StatusAbort
	case errors.Is(err, ErrIMAPAuth), errors.Is(err, ErrOAuth2NotConfigured):
		return pingsync.StatusAuthenticationError
	case errors.Is(err, ErrIMAPDial), errors.Is(err, io.EOF), errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return pingsync.StatusNetworkProblem
	default:
		return pingsync.StatusOtherFailure
	}
}

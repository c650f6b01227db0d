package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/process"
)

// VNCServer is the display server binary the relay runs.
const VNCServer = "x11vnc"

// Bridge upgrades each request to a websocket and pumps bytes both ways
// between it and a TCP address. Every chunk read from TCP becomes one
// binary message.
type Bridge struct {
	addr    string
	origins []string
	onChunk func()
	logger  *logging.Logger
}

// NewBridge creates a Bridge to addr. onChunk, when set, is called for
// every chunk sent to the client.
func NewBridge(addr string, origins []string, onChunk func()) *Bridge {
	return &Bridge{
		addr:    addr,
		origins: origins,
		onChunk: onChunk,
		logger:  logging.NewLogger("vnc-bridge").With("upstream", addr),
	}
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{"binary"},
		OriginPatterns: b.origins,
	})
	if err != nil {
		b.logger.Warnf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.CloseNow()

	var d net.Dialer
	upstream, err := d.DialContext(r.Context(), "tcp", b.addr)
	if err != nil {
		b.logger.Errorf("VNC connection failed: %v", err)
		conn.Close(websocket.StatusInternalError, "display server unavailable")
		return
	}
	defer upstream.Close()

	b.logger.Infof("Client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	client := websocket.NetConn(ctx, conn, websocket.MessageBinary)

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, client)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(&countingWriter{w: client, onWrite: b.onChunk}, upstream)
		errc <- err
	}()

	if err := <-errc; err != nil && !errors.Is(err, net.ErrClosed) {
		b.logger.Debugf("Pump ended: %v", err)
	}
	// Closing both ends releases the other copy.
	cancel()
	upstream.Close()
	client.Close()
	<-errc

	b.logger.Infof("Client disconnected")
}

type countingWriter struct {
	w       io.Writer
	onWrite func()
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err == nil && c.onWrite != nil {
		c.onWrite()
	}
	return n, err
}

// VNCRelay runs a VNC server on a session's display and serves a websocket
// bridge to it on the session's relay port.
type VNCRelay struct {
	sessionID string
	vnc       *process.Process
	server    *http.Server
	served    chan struct{}
	logger    *logging.Logger
}

// RelayOptions configures a VNCRelay.
type RelayOptions struct {
	Display     int
	VNCPort     int
	WSPort      int
	StartupWait time.Duration
	Origins     []string
	OnChunk     func()
}

// StartVNCRelay starts x11vnc on the display and a bridge listener on
// WSPort. Both are torn down if either fails to start.
func StartVNCRelay(ctx context.Context, sessionID string, opts RelayOptions) (*VNCRelay, error) {
	logger := logging.NewLogger("vnc").With("session", sessionID)

	vnc, err := process.Start(ctx, opts.StartupWait, VNCServer,
		"-display", fmt.Sprintf(":%d", opts.Display),
		"-rfbport", strconv.Itoa(opts.VNCPort),
		"-nopw",
		"-forever",
		"-shared",
		"-noxdamage",
		"-cursor", "arrow",
		"-ncache", "10",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s on display :%d: %w", VNCServer, opts.Display, err)
	}

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(opts.WSPort))
	if err != nil {
		vnc.Stop()
		return nil, fmt.Errorf("failed to listen on relay port %d: %w", opts.WSPort, err)
	}

	upstream := net.JoinHostPort("127.0.0.1", strconv.Itoa(opts.VNCPort))
	r := &VNCRelay{
		sessionID: sessionID,
		vnc:       vnc,
		server: &http.Server{
			Handler:           NewBridge(upstream, opts.Origins, opts.OnChunk),
			ReadHeaderTimeout: 10 * time.Second,
		},
		served: make(chan struct{}),
		logger: logger,
	}

	go func() {
		defer close(r.served)
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Relay server stopped: %v", err)
		}
	}()

	logger.Infof("Display :%d relayed from port %d to websocket port %d", opts.Display, opts.VNCPort, opts.WSPort)
	return r, nil
}

// Mode returns ModeVNC.
func (r *VNCRelay) Mode() string {
	return ModeVNC
}

// Stop closes the bridge listener and kills the VNC server, which ends
// any open client pumps.
func (r *VNCRelay) Stop() {
	if err := r.server.Close(); err != nil {
		r.logger.Warnf("Failed to close relay server: %v", err)
	}
	<-r.served
	r.vnc.Stop()
	r.logger.Infof("Stopped VNC relay")
}

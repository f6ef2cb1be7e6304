package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/net/http2"

	"grcache/internal/backend"
)

// HTTP2Forwarder implements Forwarder over a plaintext HTTP/2 (h2c)
// connection to the upstream, per spec section 6: "ALPN h2 to upstream,
// no TLS by default".
type HTTP2Forwarder struct {
	transport *http2.Transport
}

// NewHTTP2Forwarder builds a Forwarder whose Transport dials plaintext
// HTTP/2 with prior knowledge, the same trick h2c.NewHandler uses on the
// server side.
func NewHTTP2Forwarder() *HTTP2Forwarder {
	return &HTTP2Forwarder{
		transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

// Forward dials be and issues req, rewriting the request URL to target it.
func (f *HTTP2Forwarder) Forward(ctx context.Context, be backend.Backend, req *http.Request) (*http.Response, error) {
	outReq := req.Clone(ctx)
	outReq.URL.Scheme = "http"
	outReq.URL.Host = fmt.Sprintf("%s:%d", be.IP, be.Port)
	outReq.Host = outReq.URL.Host
	outReq.RequestURI = ""

	return f.transport.RoundTrip(outReq)
}

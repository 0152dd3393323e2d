package remotecache

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"

	"google.golang.org/grpc/credentials"
)

// AuthKind selects exactly one of the remote cache's supported auth modes.
type AuthKind int

const (
	// AuthNone sends no credentials (plaintext/insecure transport).
	AuthNone AuthKind = iota
	// AuthStaticHeaders attaches a fixed set of HTTP headers to every request.
	AuthStaticHeaders
	// AuthBearerToken attaches an "Authorization: Bearer <token>" header.
	AuthBearerToken
	// AuthMTLS presents a client certificate and validates the server's.
	AuthMTLS
	// AuthTLSNativeRoots validates the server's certificate against the
	// platform's native trust store without presenting a client certificate.
	AuthTLSNativeRoots
)

// Auth configures how the remote cache client authenticates to the server.
// Exactly one Kind applies; the irrelevant fields for other kinds are unused.
type Auth struct {
	Kind AuthKind

	// AuthStaticHeaders
	Headers map[string]string

	// AuthBearerToken
	Token string

	// AuthMTLS
	ClientCert tls.Certificate
	ServerCAs  *x509.CertPool
}

// apply attaches this Auth's credentials to an outgoing HTTP request.
func (a Auth) apply(req *http.Request) {
	switch a.Kind {
	case AuthStaticHeaders:
		for k, v := range a.Headers {
			req.Header.Set(k, v)
		}
	case AuthBearerToken:
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
}

// httpTransport builds the http.RoundTripper this Auth implies for the HTTP
// fallback transport; AuthStaticHeaders/AuthBearerToken ride on the default
// transport and only set headers per request via apply.
func (a Auth) httpTransport() http.RoundTripper {
	switch a.Kind {
	case AuthMTLS:
		return &http.Transport{TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{a.ClientCert},
			RootCAs:      a.ServerCAs,
		}}
	case AuthTLSNativeRoots:
		return &http.Transport{TLSClientConfig: &tls.Config{RootCAs: a.ServerCAs}}
	default:
		return http.DefaultTransport
	}
}

// transportCredentials builds the gRPC TransportCredentials this Auth
// implies; AuthNone yields nil, letting dialGRPC substitute
// insecure.NewCredentials().
func (a Auth) transportCredentials() (credentials.TransportCredentials, error) {
	switch a.Kind {
	case AuthNone, AuthStaticHeaders, AuthBearerToken:
		return nil, nil
	case AuthMTLS:
		return credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{a.ClientCert},
			RootCAs:      a.ServerCAs,
		}), nil
	case AuthTLSNativeRoots:
		return credentials.NewTLS(&tls.Config{RootCAs: a.ServerCAs}), nil
	default:
		return nil, fmt.Errorf("remotecache: unknown auth kind %d", a.Kind)
	}
}

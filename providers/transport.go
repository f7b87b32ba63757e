package providers

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/malwarebo/portrait/utils"
)

type TransportConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	HTTPProxy      string
	HTTPSProxy     string
}

// NewHTTPClient builds the upstream client: a dial timeout for connecting, a
// response-header timeout for the slow generation, certificate checks always on
// and the configured proxies. No environment proxy is consulted.
func NewHTTPClient(cfg TransportConfig) (*http.Client, error) {
	proxyFn, err := proxyFunc(cfg.HTTPProxy, cfg.HTTPSProxy)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 proxyFn,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{Transport: transport}, nil
}

func proxyFunc(httpProxy, httpsProxy string) (func(*http.Request) (*url.URL, error), error) {
	if httpProxy == "" && httpsProxy == "" {
		return nil, nil
	}

	parse := func(raw string) (*url.URL, error) {
		if raw == "" {
			return nil, nil
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", raw)
		}
		return u, nil
	}

	httpURL, err := parse(httpProxy)
	if err != nil {
		return nil, err
	}
	httpsURL, err := parse(httpsProxy)
	if err != nil {
		return nil, err
	}

	return func(req *http.Request) (*url.URL, error) {
		if req.URL.Scheme == "https" && httpsURL != nil {
			return httpsURL, nil
		}
		if httpURL != nil {
			return httpURL, nil
		}
		return httpsURL, nil
	}, nil
}

// ClassifyTransportError sorts a failed round trip into a TransportKind.
// Context cancellation and deadline errors are returned as they are.
func ClassifyTransportError(err error, cfg TransportConfig) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var opErr *net.OpError
	hasOp := errors.As(err, &opErr)

	switch {
	case hasOp && opErr.Op == "proxyconnect":
		return &utils.TransportError{Kind: utils.TransportProxy, Err: err}
	case isTLSError(err):
		return &utils.TransportError{Kind: utils.TransportTLS, Err: err}
	case hasOp && opErr.Op == "dial":
		if opErr.Timeout() {
			return &utils.TransportError{Kind: utils.TransportConnectTimeout, Timeout: cfg.ConnectTimeout, Err: err}
		}
		return &utils.TransportError{Kind: utils.TransportConnectionRefused, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &utils.TransportError{Kind: utils.TransportConnectionRefused, Err: err}
	case isTimeout(err):
		return &utils.TransportError{Kind: utils.TransportReadTimeout, Timeout: cfg.ReadTimeout, Err: err}
	default:
		return &utils.TransportError{Kind: utils.TransportOther, Err: err}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTLSError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert)
}

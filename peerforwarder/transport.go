package peerforwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/natsclient"
)

// PeerClient sends batches to one peer. Send is synchronous: it returns
// once the peer accepted or refused the batch.
type PeerClient interface {
	Send(ctx context.Context, req *ForwardRequest) error
	Close() error
}

// ClientFactory creates the client for a peer address
type ClientFactory func(address string) (PeerClient, error)

// HTTPClient posts batches to a peer's forwarding endpoint
type HTTPClient struct {
	url     string
	codec   Codec
	client  *http.Client
	timeout time.Duration
}

// HTTPClientFactory returns a factory for HTTP peer clients. A nil
// tlsConfig means plain HTTP. maxConns caps connections per peer.
func HTTPClientFactory(codec Codec, tlsConfig *tls.Config, timeout time.Duration, maxConns int) ClientFactory {
	scheme := "http"
	if tlsConfig != nil {
		scheme = "https"
	}
	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		MaxConnsPerHost:     maxConns,
		MaxIdleConnsPerHost: maxConns,
		IdleConnTimeout:     90 * time.Second,
	}
	return func(address string) (PeerClient, error) {
		return &HTTPClient{
			url:     fmt.Sprintf("%s://%s%s", scheme, address, ForwardPath),
			codec:   codec,
			client:  &http.Client{Transport: transport, Timeout: timeout},
			timeout: timeout,
		}, nil
	}
}

// Send implements PeerClient
func (c *HTTPClient) Send(ctx context.Context, req *ForwardRequest) error {
	body, err := c.codec.Encode(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.WrapInvalid(err, "HTTPClient", "Send", "build request")
	}
	httpReq.Header.Set("Content-Type", c.codec.ContentType())
	injectTraceHeaders(ctx, httpReq.Header)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return errors.WrapTransient(err, "HTTPClient", "Send", "post to "+c.url)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		return errors.WrapTransient(
			fmt.Errorf("peer answered %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
			"HTTPClient", "Send", "post to "+c.url)
	}
	return nil
}

// Close releases idle connections
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// PeerSubject is the NATS subject a peer answers forward requests on
func PeerSubject(address string) string {
	r := strings.NewReplacer(".", "_", ":", "_", "*", "_", ">", "_", " ", "_")
	return "eventpipe.peer." + r.Replace(address)
}

// NATSClient sends batches as NATS requests
type NATSClient struct {
	nc      *natsclient.Client
	subject string
	codec   Codec
	timeout time.Duration
}

// NATSClientFactory returns a factory for NATS peer clients sharing nc
func NATSClientFactory(nc *natsclient.Client, codec Codec, timeout time.Duration) ClientFactory {
	return func(address string) (PeerClient, error) {
		if nc == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: nats transport needs a NATS connection", errors.ErrMissingConfig),
				"NATSClient", "NATSClientFactory", "client validation")
		}
		return &NATSClient{nc: nc, subject: PeerSubject(address), codec: codec, timeout: timeout}, nil
	}
}

// Send implements PeerClient
func (c *NATSClient) Send(ctx context.Context, req *ForwardRequest) error {
	body, err := c.codec.Encode(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.nc.Request(ctx, c.subject, body); err != nil {
		return errors.Wrap(err, "NATSClient", "Send", "request "+c.subject)
	}
	return nil
}

// Close is a no-op; the connection is shared
func (c *NATSClient) Close() error {
	return nil
}

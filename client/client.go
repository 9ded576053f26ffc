// Package client talks to a minikv server.
package client

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"minikv/config"
	"minikv/internal/protocol"
	"minikv/storage"
)

// ErrServer is the cause of every error the server reported.
var ErrServer = errors.New("server error")

type options struct {
	addr                 string
	compressionThreshold int
	timeout              time.Duration
}

type Option func(*options)

func WithAddr(addr string) Option {
	return func(o *options) {
		o.addr = addr
	}
}

// WithCompressionThreshold compresses request payloads above n bytes; zero
// disables compression.
func WithCompressionThreshold(n int) Option {
	return func(o *options) {
		o.compressionThreshold = n
	}
}

// WithTimeout bounds dialing and each request round trip.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// Client is one connection. Requests are sent one at a time.
type Client struct {
	opts options

	mu   sync.Mutex
	conn net.Conn
}

func Connect(opts ...Option) (*Client, error) {
	o := options{
		addr:                 config.DefaultAddr,
		compressionThreshold: config.DefaultCompressionLimit,
		timeout:              5 * time.Second,
	}

	for _, opt := range opts {
		opt(&o)
	}

	conn, err := net.DialTimeout("tcp", o.addr, o.timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", o.addr)
	}

	return &Client{opts: o, conn: conn}, nil
}

// Get reports found=false when the server has no value for key.
func (c *Client) Get(key string) (string, bool, error) {
	resp, err := c.roundTrip(protocol.Request{Op: protocol.OpGet, Key: key})
	if err != nil {
		return "", false, err
	}

	switch resp.Status {
	case protocol.StatusOK:
		return resp.Value, true, nil
	case protocol.StatusNotFound:
		return "", false, nil
	default:
		return "", false, serverError(resp)
	}
}

func (c *Client) Set(key, value string) error {
	return c.expectOK(protocol.Request{Op: protocol.OpSet, Key: key, Value: value})
}

// Remove returns storage.ErrKeyNotFound when key has no value.
func (c *Client) Remove(key string) error {
	return c.expectOK(protocol.Request{Op: protocol.OpRemove, Key: key})
}

func (c *Client) Compact() error {
	return c.expectOK(protocol.Request{Op: protocol.OpCompact})
}

// Insert, Get and Remove make a Client usable as a storage.Storage.
func (c *Client) Insert(key, value string) error {
	return c.Set(key, value)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) expectOK(req protocol.Request) error {
	resp, err := c.roundTrip(req)
	if err != nil {
		return err
	}

	switch resp.Status {
	case protocol.StatusOK:
		return nil
	case protocol.StatusNotFound:
		return storage.ErrKeyNotFound
	default:
		return serverError(resp)
	}
}

func (c *Client) roundTrip(req protocol.Request) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.opts.timeout)); err != nil {
			return protocol.Response{}, errors.Wrap(err, "set deadline")
		}
	}

	if err := protocol.WriteRequest(c.conn, req, c.opts.compressionThreshold); err != nil {
		return protocol.Response{}, errors.Wrapf(err, "send %s", req.Op)
	}

	resp, err := protocol.ReadResponse(c.conn)
	if err != nil {
		return protocol.Response{}, errors.Wrapf(err, "read %s response", req.Op)
	}

	return resp, nil
}

func serverError(resp protocol.Response) error {
	return errors.Wrap(ErrServer, resp.Message)
}

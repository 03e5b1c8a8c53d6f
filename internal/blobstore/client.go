// Package blobstore holds the remote snapshot stores the sync engine pushes to
// and reconciles against.
package blobstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/and161185/dayplan/internal/errs"
	"github.com/and161185/dayplan/internal/model"
	"github.com/and161185/dayplan/internal/rpc"
)

// DialConfig selects the server and transport security.
type DialConfig struct {
	Addr     string
	CACert   string // PEM file; empty uses system roots
	Insecure bool   // skip certificate verification (dev)
}

// Client talks to the blob-store server over gRPC.
type Client struct {
	conn *grpc.ClientConn // nil when built over an external conn
	rpc  *rpc.BlobStoreClient
	log  *zap.Logger

	requireTLS bool
	mu         sync.RWMutex
	token      string
}

type bearerCreds struct {
	token      string
	requireTLS bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.requireTLS }

func loadTLS(caPath string, insecure bool) (credentials.TransportCredentials, error) {
	if insecure {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil //nolint:gosec // dev flag
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// Dial opens a TLS connection to cfg.Addr. The token may be empty and set
// later with SetToken.
func Dial(cfg DialConfig, token string, log *zap.Logger) (*Client, error) {
	creds, err := loadTLS(cfg.CACert, cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	cc, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	c := New(cc, token, log)
	c.conn = cc
	c.requireTLS = true
	return c, nil
}

// New builds a Client over an existing connection. Bearer credentials are
// sent without requiring transport security.
func New(cc grpc.ClientConnInterface, token string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{rpc: rpc.NewBlobStoreClient(cc), log: log, token: token}
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// SetToken replaces the access token used for snapshot calls.
func (c *Client) SetToken(tok string) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

func (c *Client) authOpts() ([]grpc.CallOption, error) {
	c.mu.RLock()
	tok := c.token
	c.mu.RUnlock()
	if tok == "" {
		return nil, fmt.Errorf("%w: login required", errs.ErrUnauthorized)
	}
	return []grpc.CallOption{grpc.PerRPCCredentials(bearerCreds{token: tok, requireTLS: c.requireTLS})}, nil
}

// Register creates an account and returns its user id.
func (c *Client) Register(ctx context.Context, username, password string) (string, error) {
	resp, err := c.rpc.Register(ctx, &rpc.Credentials{Username: username, Password: password})
	if err != nil {
		return "", mapErr("register", err)
	}
	return resp.UserID, nil
}

// Login obtains an access token and keeps it for subsequent calls.
func (c *Client) Login(ctx context.Context, username, password string) (*rpc.LoginResponse, error) {
	resp, err := c.rpc.Login(ctx, &rpc.Credentials{Username: username, Password: password})
	if err != nil {
		return nil, mapErr("login", err)
	}
	c.SetToken(resp.AccessToken)
	return resp, nil
}

// Load returns the stored snapshot or errs.ErrNotFound.
func (c *Client) Load(ctx context.Context) (*model.Snapshot, error) {
	opts, err := c.authOpts()
	if err != nil {
		return nil, err
	}
	resp, err := c.rpc.LoadSnapshot(ctx, opts...)
	if err != nil {
		return nil, mapErr("load", err)
	}
	if len(resp.Body) == 0 {
		return nil, errs.ErrNotFound
	}
	var snap model.Snapshot
	if err := json.Unmarshal(resp.Body, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	c.log.Debug("snapshot loaded", zap.Int("blocks", len(snap.Blocks)), zap.Time("server_ts", resp.UpdatedAt))
	return &snap, nil
}

// Save overwrites the stored snapshot.
func (c *Client) Save(ctx context.Context, snap *model.Snapshot) error {
	opts, err := c.authOpts()
	if err != nil {
		return err
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	resp, err := c.rpc.SaveSnapshot(ctx, &rpc.SnapshotBody{Body: body}, opts...)
	if err != nil {
		return mapErr("save", err)
	}
	c.log.Debug("snapshot saved", zap.Int("bytes", len(body)), zap.Time("server_ts", resp.UpdatedAt))
	return nil
}

func mapErr(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s: %s", errs.ErrUnauthorized, op, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", errs.ErrNotFound, op)
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s: %s", errs.ErrUnavailable, op, st.Message())
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %s", errs.ErrAlreadyExists, op)
	case codes.ResourceExhausted:
		if op == "login" {
			return fmt.Errorf("%w: %s", errs.ErrRateLimited, op)
		}
		return fmt.Errorf("%w: %s: %s", errs.ErrTooLarge, op, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s: %s", errs.ErrInvalidArgument, op, st.Message())
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

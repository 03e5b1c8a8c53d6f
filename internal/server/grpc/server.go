// Package grpcserver exposes the blob-store gRPC API handlers.
package grpcserver

import (
	"context"
	"errors"
	"strings"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/dayplan/internal/errs"
	"github.com/and161185/dayplan/internal/rpc"
	"github.com/and161185/dayplan/internal/service"
)

// Server wires services into gRPC handlers.
type Server struct {
	auth  service.AuthService
	snaps service.SnapshotService
}

var _ rpc.BlobStoreServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(auth service.AuthService, snaps service.SnapshotService) *Server {
	return &Server{auth: auth, snaps: snaps}
}

// --- Auth ---

// Register creates a new user account.
func (s *Server) Register(ctx context.Context, req *rpc.Credentials) (*rpc.RegisterResponse, error) {
	if req.Username == "" || req.Password == "" {
		return nil, status.Error(codes.InvalidArgument, "empty username/password")
	}
	userID, err := s.auth.Register(ctx, req.Username, req.Password)
	if err != nil {
		return nil, toStatus("register", err)
	}
	return &rpc.RegisterResponse{UserID: userID}, nil
}

func remoteIP(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

// Login authenticates a user and returns an access token.
func (s *Server) Login(ctx context.Context, req *rpc.Credentials) (*rpc.LoginResponse, error) {
	tok, u, err := s.auth.Login(ctx, req.Username, req.Password, remoteIP(ctx))
	if err != nil {
		return nil, toStatus("login", err)
	}
	return &rpc.LoginResponse{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.ExpiresAt,
		UserID:      u.ID.String(),
	}, nil
}

// --- Snapshots ---

// LoadSnapshot returns the caller's stored document.
func (s *Server) LoadSnapshot(ctx context.Context, _ *rpc.Empty) (*rpc.SnapshotBody, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	snap, err := s.snaps.Load(ctx, userID)
	if err != nil {
		return nil, toStatus("load snapshot", err)
	}
	return &rpc.SnapshotBody{Body: snap.Body, UpdatedAt: snap.UpdatedAt}, nil
}

// SaveSnapshot overwrites the caller's stored document.
func (s *Server) SaveSnapshot(ctx context.Context, req *rpc.SnapshotBody) (*rpc.SaveSnapshotResponse, error) {
	userID, err := s.userIDFromCtx(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	if len(req.Body) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty body")
	}
	at, err := s.snaps.Save(ctx, userID, req.Body)
	if err != nil {
		return nil, toStatus("save snapshot", err)
	}
	return &rpc.SaveSnapshotResponse{UpdatedAt: at}, nil
}

// userIDFromCtx prefers the id placed by AuthUnary and falls back to
// verifying the bearer token itself.
func (s *Server) userIDFromCtx(ctx context.Context) (uuid.UUID, error) {
	if id, ok := UserIDFromCtx(ctx); ok {
		return id, nil
	}
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	return s.auth.Verify(tok)
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}

// toStatus maps service sentinels onto gRPC codes.
func toStatus(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrInvalidArgument):
		return status.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "username taken")
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "bad credentials")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrTooLarge):
		return status.Errorf(codes.ResourceExhausted, "%s: %v", op, err)
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "no snapshot")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, op)
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, op)
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

package grpcserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/dayplan/internal/errs"
	"github.com/and161185/dayplan/internal/rpc"
	"github.com/gofrs/uuid/v5"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:12345" }

func TestLoggingUnary_Passthrough(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := LoggingUnary(log)

	ctx := context.Background()

	ctx = peer.NewContext(ctx, &peer.Peer{Addr: fakeAddr{}})

	h := func(ctx context.Context, req any) (any, error) { return "ok", nil }
	info := &grpc.UnaryServerInfo{FullMethod: "/dayplan.blob.v1.BlobStore/LoadSnapshot"}

	resp, err := ic(ctx, "req", info, h)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s, _ := resp.(string); s != "ok" {
		t.Fatalf("resp mismatch: %v", resp)
	}

	wantErr := errors.New("boom")
	hErr := func(ctx context.Context, req any) (any, error) { return nil, wantErr }
	_, err = ic(ctx, "req", info, hErr)
	if !errors.Is(err, wantErr) {
		t.Fatalf("want original error, got: %v", err)
	}
}

func TestRecoverUnary_CatchesPanic(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := RecoverUnary(log)

	ctx := context.Background()
	info := &grpc.UnaryServerInfo{FullMethod: "/dayplan.blob.v1.BlobStore/Panic"}

	panicH := func(ctx context.Context, req any) (any, error) {
		panic("oh no")
	}

	_, err := ic(ctx, "req", info, panicH)
	if err == nil {
		t.Fatalf("expected error from panic")
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Internal {
		t.Fatalf("want codes.Internal, got: %v", err)
	}
}

func TestRecoverUnary_NoPanicPassThrough(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := RecoverUnary(log)

	ctx := context.Background()
	info := &grpc.UnaryServerInfo{FullMethod: "/dayplan.blob.v1.BlobStore/Ok"}

	h := func(ctx context.Context, req any) (any, error) { return 42, nil }

	resp, err := ic(ctx, "req", info, h)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if resp.(int) != 42 {
		t.Fatalf("resp mismatch: %v", resp)
	}
}

func TestLoggingUnary_DurationFieldDoesNotBlock(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := LoggingUnary(log)

	ctx := context.Background()
	info := &grpc.UnaryServerInfo{FullMethod: "/dayplan.blob.v1.BlobStore/Sleep"}
	h := func(ctx context.Context, req any) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return "done", nil
	}

	start := time.Now()
	resp, err := ic(ctx, "req", info, h)
	if err != nil || resp.(string) != "done" {
		t.Fatalf("unexpected result: %v, %v", resp, err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Fatalf("duration should reflect handler time")
	}
}

type tokenMap map[string]uuid.UUID

func (m tokenMap) Verify(tok string) (uuid.UUID, error) {
	if id, ok := m[tok]; ok {
		return id, nil
	}
	return uuid.Nil, errs.ErrUnauthorized
}

func TestAuthUnary(t *testing.T) {
	t.Parallel()

	uid := uuid.Must(uuid.NewV4())
	ic := AuthUnary(tokenMap{"good": uid}, zaptest.NewLogger(t), rpc.MethodRegister, rpc.MethodLogin)

	var seen uuid.UUID
	h := func(ctx context.Context, req any) (any, error) {
		seen, _ = UserIDFromCtx(ctx)
		return "ok", nil
	}
	withTok := func(v string) context.Context {
		return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", v))
	}
	load := &grpc.UnaryServerInfo{FullMethod: rpc.MethodLoadSnapshot}

	tests := []struct {
		name string
		ctx  context.Context
		info *grpc.UnaryServerInfo
		code codes.Code
		want uuid.UUID
	}{
		{"public method needs no token", context.Background(), &grpc.UnaryServerInfo{FullMethod: rpc.MethodLogin}, codes.OK, uuid.Nil},
		{"no metadata", context.Background(), load, codes.Unauthenticated, uuid.Nil},
		{"not bearer", withTok("Basic abc"), load, codes.Unauthenticated, uuid.Nil},
		{"unknown token", withTok("Bearer bad"), load, codes.Unauthenticated, uuid.Nil},
		{"valid token", withTok("bearer  good "), load, codes.OK, uid},
	}
	for _, tc := range tests {
		seen = uuid.Nil
		_, err := ic(tc.ctx, "req", tc.info, h)
		if status.Code(err) != tc.code {
			t.Fatalf("%s: code=%v want %v", tc.name, status.Code(err), tc.code)
		}
		if seen != tc.want {
			t.Fatalf("%s: user=%s want %s", tc.name, seen, tc.want)
		}
	}
}

// Package rpc is the blob-store gRPC contract. Messages are plain Go structs
// carried by a JSON codec, so no generated code is needed.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	ServiceName   = "dayplan.blob.v1.BlobStore"
	jsonCodecName = "json"

	MethodRegister     = "/" + ServiceName + "/Register"
	MethodLogin        = "/" + ServiceName + "/Login"
	MethodLoadSnapshot = "/" + ServiceName + "/LoadSnapshot"
	MethodSaveSnapshot = "/" + ServiceName + "/SaveSnapshot"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// CallOption selects the JSON codec on the client side.
func CallOption() grpc.CallOption { return grpc.CallContentSubtype(jsonCodecName) }

type Empty struct{}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	UserID string `json:"user_id"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
}

// SnapshotBody carries the snapshot document verbatim.
type SnapshotBody struct {
	Body      json.RawMessage `json:"body,omitempty"`
	UpdatedAt time.Time       `json:"updated_at,omitzero"`
}

type SaveSnapshotResponse struct {
	UpdatedAt time.Time `json:"updated_at"`
}

// BlobStoreServer is implemented by the server.
type BlobStoreServer interface {
	Register(ctx context.Context, in *Credentials) (*RegisterResponse, error)
	Login(ctx context.Context, in *Credentials) (*LoginResponse, error)
	LoadSnapshot(ctx context.Context, in *Empty) (*SnapshotBody, error)
	SaveSnapshot(ctx context.Context, in *SnapshotBody) (*SaveSnapshotResponse, error)
}

// BlobStoreClient is the client stub.
type BlobStoreClient struct {
	conn grpc.ClientConnInterface
}

func NewBlobStoreClient(conn grpc.ClientConnInterface) *BlobStoreClient {
	return &BlobStoreClient{conn: conn}
}

func (c *BlobStoreClient) Register(ctx context.Context, in *Credentials, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := &RegisterResponse{}
	if err := c.conn.Invoke(ctx, MethodRegister, in, out, append(opts, CallOption())...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BlobStoreClient) Login(ctx context.Context, in *Credentials, opts ...grpc.CallOption) (*LoginResponse, error) {
	out := &LoginResponse{}
	if err := c.conn.Invoke(ctx, MethodLogin, in, out, append(opts, CallOption())...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BlobStoreClient) LoadSnapshot(ctx context.Context, opts ...grpc.CallOption) (*SnapshotBody, error) {
	out := &SnapshotBody{}
	if err := c.conn.Invoke(ctx, MethodLoadSnapshot, &Empty{}, out, append(opts, CallOption())...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BlobStoreClient) SaveSnapshot(ctx context.Context, in *SnapshotBody, opts ...grpc.CallOption) (*SaveSnapshotResponse, error) {
	out := &SaveSnapshotResponse{}
	if err := c.conn.Invoke(ctx, MethodSaveSnapshot, in, out, append(opts, CallOption())...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterBlobStoreServer registers impl on s.
func RegisterBlobStoreServer(s grpc.ServiceRegistrar, impl BlobStoreServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*BlobStoreServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Register", Handler: unary(MethodRegister, impl.Register)},
			{MethodName: "Login", Handler: unary(MethodLogin, impl.Login)},
			{MethodName: "LoadSnapshot", Handler: unary(MethodLoadSnapshot, impl.LoadSnapshot)},
			{MethodName: "SaveSnapshot", Handler: unary(MethodSaveSnapshot, impl.SaveSnapshot)},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "dayplan/blob/v1",
	}, impl)
}

func unary[Req, Resp any](method string, call func(context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			r, ok := req.(*Req)
			if !ok {
				return nil, fmt.Errorf("invalid request type %T", req)
			}
			return call(ctx, r)
		}
		return interceptor(ctx, in, info, handler)
	}
}

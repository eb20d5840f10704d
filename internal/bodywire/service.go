package bodywire

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// grpcCreds wraps a *tls.Config as grpc transport credentials.
func grpcCreds(tlsCfg *tls.Config) credentials.TransportCredentials {
	return credentials.NewTLS(tlsCfg)
}

// ServiceName is the gRPC service name body endpoints register under.
const ServiceName = "stem.bodywire.v1.BodyEndpoint"

// Server is the interface a body endpoint implements to receive acts
// from Spine.
type Server interface {
	Dispatch(ctx context.Context, req *ActRequest) (*ActResult, error)
	Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error)
	Unregister(ctx context.Context, req *UnregisterRequest) (*UnregisterResponse, error)
}

func dispatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ActRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Dispatch"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Dispatch(ctx, req.(*ActRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func registerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Register"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func unregisterHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UnregisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Unregister(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Unregister"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Unregister(ctx, req.(*UnregisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc describes the BodyEndpoint gRPC service to grpc.Server.
// Hand-built rather than protoc-generated: see codec.go for why.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dispatch", Handler: dispatchHandler},
		{MethodName: "Register", Handler: registerHandler},
		{MethodName: "Unregister", Handler: unregisterHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bodywire.proto",
}

// RegisterServer registers a body-endpoint Server implementation with
// a grpc.Server.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

// Client calls a body endpoint over gRPC using the bodywire JSON codec.
type Client struct {
	conn *grpc.ClientConn
}

// Dial opens a connection to a body endpoint at addr. If tlsCfg is
// nil the connection is unencrypted. cmd/stem currently passes nil for
// every configured endpoint.
func Dial(addr string, tlsCfg *tls.Config) (*Client, error) {
	opts := []grpc.DialOption{grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName))}
	if tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(grpcCreds(tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.Dial(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("bodywire: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Dispatch sends an act to the body endpoint and waits for its result.
func (c *Client) Dispatch(ctx context.Context, req *ActRequest) (*ActResult, error) {
	out := new(ActResult)
	if err := c.conn.Invoke(ctx, ServiceName+"/Dispatch", req, out); err != nil {
		return nil, fmt.Errorf("bodywire: Dispatch: %w", err)
	}
	return out, nil
}

// Register announces this process's capabilities to the body endpoint.
func (c *Client) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	if err := c.conn.Invoke(ctx, ServiceName+"/Register", req, out); err != nil {
		return nil, fmt.Errorf("bodywire: Register: %w", err)
	}
	return out, nil
}

// Unregister withdraws capabilities from the body endpoint.
func (c *Client) Unregister(ctx context.Context, req *UnregisterRequest) (*UnregisterResponse, error) {
	out := new(UnregisterResponse)
	if err := c.conn.Invoke(ctx, ServiceName+"/Unregister", req, out); err != nil {
		return nil, fmt.Errorf("bodywire: Unregister: %w", err)
	}
	return out, nil
}

// ListenAndServe starts the bodywire gRPC server on addr and blocks
// until ctx is cancelled, mirroring the donor gossip server's
// ListenAndServe shape. If tlsCfg is nil the listener is unencrypted.
func ListenAndServe(ctx context.Context, addr string, tlsCfg *tls.Config, srv Server, log *zap.Logger) error {
	var opts []grpc.ServerOption
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(grpcCreds(tlsCfg)))
	}
	grpcSrv := grpc.NewServer(opts...)
	RegisterServer(grpcSrv, srv)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bodywire listen %s: %w", addr, err)
	}

	log.Info("bodywire server listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		grpcSrv.GracefulStop()
	}()

	if err := grpcSrv.Serve(lis); err != nil {
		return fmt.Errorf("bodywire grpc serve: %w", err)
	}
	return nil
}

// LoadServerTLS builds an mTLS config for the bodywire server, mirroring
// the donor gossip server's buildServerTLS.
func LoadServerTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key: %w", err)
	}

	caData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file %q: %w", caFile, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

package signer

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Server wraps the gRPC server and its Unix Domain Socket listener.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
}

// New creates a signer gRPC server bound to the given UDS path. Only the
// owning user may connect.
func New(socketPath string, session *SessionManager) (*Server, error) {
	lis, err := listenUnix(socketPath)
	if err != nil {
		return nil, err
	}

	gs := grpc.NewServer(grpc.UnaryInterceptor(logRejections))
	gs.RegisterService(&serviceDesc, NewHandler(session))

	return &Server{grpcServer: gs, listener: lis, socketPath: socketPath}, nil
}

// listenUnix replaces any stale socket at path and restricts it to 0600.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on unix socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return lis, nil
}

// Serve blocks until the server is stopped.
func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

// GracefulStop drains in-flight RPCs and removes the socket file.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
	os.Remove(s.socketPath)
}

// logRejections logs every failed RPC with its status code. Successful
// signatures are not logged.
func logRejections(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		log.Printf("signer: %s rejected: %s", info.FullMethod, status.Code(err))
	}
	return resp, err
}

package transport

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/cuemby/symphony/pkg/security"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
)

// Keepalive timers: probe every 20s, declare the peer dead after 5s of
// silence on a probe.
const (
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// LoadMTLSConfig reads the material directory saved by pkg/security and
// builds the tls.Config used on both the server and client side of
// Connect. Client auth is required, not merely requested: every Connect
// participant must already hold a cert signed by the shared CA.
func LoadMTLSConfig(certDir string) (*tls.Config, error) {
	material, err := security.Load(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load mTLS material: %w", err)
	}

	pool := material.Pool()
	return &tls.Config{
		Certificates: []tls.Certificate{material.Keypair},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// NewServer builds a *grpc.Server with mTLS credentials, the JSON envelope
// codec forced for every call, and mandatory keepalive enforcement.
func NewServer(tlsConfig *tls.Config) *grpc.Server {
	creds := credentials.NewTLS(tlsConfig)
	return grpc.NewServer(
		grpc.Creds(creds),
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    keepaliveInterval,
			Timeout: keepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             keepaliveInterval / 2,
			PermitWithoutStream: true,
		}),
	)
}

// Dial connects to the Conductor with mTLS and the same forced codec and
// keepalive parameters as NewServer, so a broken TCP path is detected from
// the Node side without waiting on an application-level timeout.
func Dial(addr string, tlsConfig *tls.Config) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(tlsConfig)
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveInterval,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
	)
}

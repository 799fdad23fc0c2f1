// Package lnd wraps the LND gRPC surface the refund sweeper needs:
// decoding and paying bolt11 invoices. The rest of the codebase
// depends on LightningClient, not on LND internals.
package lnd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"satgate/pkg/logger"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Config holds the LND connection settings from the [lnd] section.
type Config struct {
	GRPCHost              string
	GRPCPort              string
	TLSCertPath           string
	MacaroonPath          string
	PaymentTimeoutSeconds int   // max wait for payment settlement
	MaxPaymentFeeSats     int64 // routing fee ceiling
}

// Enabled reports whether enough settings are present to dial a node.
func (c Config) Enabled() bool {
	return c.GRPCHost != "" && c.MacaroonPath != ""
}

// LightningClient is the payment surface consumed by the sweeper.
type LightningClient interface {
	PayInvoice(ctx context.Context, bolt11 string, maxFeeSats int64) (*PaymentResult, error)
	DecodeInvoice(ctx context.Context, bolt11 string) (*Invoice, error)
	Close() error
}

type PaymentStatus int

const (
	Succeeded PaymentStatus = iota
	Failed
	InFlight
)

type PaymentResult struct {
	PaymentHash     string
	PaymentPreimage string
	FeeSats         int64
	Status          PaymentStatus
}

type Invoice struct {
	Destination string
	AmountSats  int64
	PaymentHash string
	Expiry      int64 // seconds from Timestamp
	Description string
	IsExpired   bool
}

// macaroonCredential attaches the hex-encoded macaroon as gRPC
// metadata on every call, which is how LND authenticates requests.
type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

// RequireTransportSecurity is true: macaroons only travel over TLS.
func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

// Client talks to one LND node over a shared gRPC connection.
type Client struct {
	conn         *grpc.ClientConn
	lnClient     lnrpc.LightningClient
	routerClient routerrpc.RouterClient
	cfg          Config
}

// NewClient dials the node and verifies the connection with a GetInfo
// call, failing fast if LND is unreachable or the wallet is locked.
func NewClient(cfg Config) (*Client, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("could not load tls cert from %s: %w", cfg.TLSCertPath, err)
	}

	macaroonData, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon file %s: %w", cfg.MacaroonPath, err)
	}
	macaroonCreds := macaroonCredential{macaroon: hex.EncodeToString(macaroonData)}

	addr := cfg.GRPCHost + ":" + cfg.GRPCPort
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds), grpc.WithPerRPCCredentials(macaroonCreds))
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", addr, err)
	}

	lnClient := lnrpc.NewLightningClient(conn)
	info, err := lnClient.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to LND (is it running? wallet unlocked?): %w", err)
	}

	logger.Info("LND connected",
		zap.String("alias", info.Alias),
		zap.Uint32("block_height", info.BlockHeight),
		zap.Bool("synced_to_chain", info.SyncedToChain))
	if !info.SyncedToChain {
		logger.Warn("LND is not synced to chain, payouts may fail until sync completes")
	}

	return &Client{
		conn:         conn,
		lnClient:     lnClient,
		routerClient: routerrpc.NewRouterClient(conn),
		cfg:          cfg,
	}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

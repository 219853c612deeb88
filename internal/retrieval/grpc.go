package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/loomlock/companion/internal/domain"
)

// SearchMethod is the unary RPC served by the retrieval service. Request and
// response are google.protobuf.Struct values.
const SearchMethod = "/retrieval.v1.RetrievalService/Search"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

var _ Retriever = (*GRPCClient)(nil)

// GRPCConfig holds configuration for the retrieval client.
type GRPCConfig struct {
	Address          string
	TopK             int
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

func (c *GRPCConfig) defaults() {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.KeepaliveTime <= 0 {
		c.KeepaliveTime = 2 * time.Minute
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 10 * time.Second
	}
}

// GRPCClient queries a vector search service over gRPC.
type GRPCClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	cfg    GRPCConfig
	logger *slog.Logger
}

// NewGRPCClient connects to the retrieval service and waits until the
// connection is ready so bad endpoints fail at startup.
func NewGRPCClient(cfg GRPCConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("create retrieval client for %s: %w", cfg.Address, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(ctx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("retrieval service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to retrieval service", "address", cfg.Address, "top_k", cfg.TopK)
	return &GRPCClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Search returns up to TopK passages for query.
func (c *GRPCClient) Search(ctx context.Context, query string) ([]domain.Passage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{
		"query": query,
		"top_k": c.cfg.TopK,
	})
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, SearchMethod, req, resp); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	passages := decodePassages(resp)
	if len(passages) > c.cfg.TopK {
		passages = passages[:c.cfg.TopK]
	}
	return passages, nil
}

func decodePassages(resp *structpb.Struct) []domain.Passage {
	list := resp.GetFields()["passages"].GetListValue().GetValues()
	passages := make([]domain.Passage, 0, len(list))
	for _, v := range list {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			continue
		}
		p := domain.Passage{
			ID:      fields["id"].GetStringValue(),
			Score:   fields["score"].GetNumberValue(),
			Content: fields["content"].GetStringValue(),
		}
		if md := fields["metadata"].GetStructValue(); md != nil {
			p.Metadata = md.AsMap()
		}
		if p.Content != "" {
			passages = append(passages, p)
		}
	}
	return passages
}

// Health reports whether the retrieval service is serving.
func (c *GRPCClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("retrieval service status %s", resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection.
func (c *GRPCClient) Close() {
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
	}
}

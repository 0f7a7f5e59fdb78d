// Package catalog resolves product names and prices from the product service
// over gRPC, with an optional Redis cache in front.
package catalog

import (
	"context"
	"fmt"
	"time"

	"order-svc/circuitbreaker"
	"order-svc/config"
	"order-svc/models"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GetProductMethod is the full gRPC method name served by the product service.
// Requests and responses are google.protobuf.Struct messages.
const GetProductMethod = "/catalog.v1.CatalogService/GetProduct"

type Client struct {
	conn           *grpc.ClientConn
	circuitBreaker *circuitbreaker.CircuitBreaker
	cache          *RedisCache
	logger         *zap.Logger
}

// NewClient dials the product service. cache may be nil. Extra dial options
// are appended to the defaults.
func NewClient(cfg config.CatalogConfig, cache *RedisCache, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to product service: %w", err)
	}

	return &Client{
		conn: conn,
		circuitBreaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second,
			circuitbreaker.WithFailureFilter(func(err error) bool {
				return status.Code(err) != codes.NotFound
			})),
		cache:  cache,
		logger: logger,
	}, nil
}

// Resolve returns the current name and price of a product. Unknown products
// are an invalid order request; any other failure means the catalog is
// unavailable.
func (c *Client) Resolve(ctx context.Context, productID int64) (models.Product, error) {
	if c.cache != nil {
		product, ok, err := c.cache.Get(ctx, productID)
		if err != nil {
			c.logger.Warn("Failed to read product cache", zap.Int64("product_id", productID), zap.Error(err))
		} else if ok {
			return product, nil
		}
	}

	product, err := c.getProduct(ctx, productID)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return models.Product{}, fmt.Errorf("%w: product %d does not exist", models.ErrInvalidOrderRequest, productID)
		}
		c.logger.Error("Failed to get product", zap.Int64("product_id", productID), zap.Error(err))
		return models.Product{}, fmt.Errorf("%w: %w", models.ErrCatalogUnavailable, err)
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, product); err != nil {
			c.logger.Warn("Failed to cache product", zap.Int64("product_id", productID), zap.Error(err))
		}
	}
	return product, nil
}

func (c *Client) getProduct(ctx context.Context, productID int64) (models.Product, error) {
	req, err := structpb.NewStruct(map[string]any{"productId": productID})
	if err != nil {
		return models.Product{}, err
	}

	resp := &structpb.Struct{}
	err = c.circuitBreaker.Execute(ctx, func() error {
		return c.conn.Invoke(ctx, GetProductMethod, req, resp)
	})
	if err != nil {
		return models.Product{}, err
	}

	fields := resp.GetFields()
	product := models.Product{
		ID:    int64(fields["id"].GetNumberValue()),
		Name:  fields["name"].GetStringValue(),
		Price: int64(fields["price"].GetNumberValue()),
	}
	if product.ID == 0 {
		product.ID = productID
	}
	if product.Price <= 0 {
		return models.Product{}, fmt.Errorf("product %d has no valid price", productID)
	}
	return product, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

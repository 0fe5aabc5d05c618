package cmd

import (
	"context"
	"fmt"

	"github.com/KyberNetwork/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/tranvictor/jarvis/networks"

	"github.com/tranvictor/txfinalizer"
	"github.com/tranvictor/txfinalizer/chain"
	"github.com/tranvictor/txfinalizer/config"
	"github.com/tranvictor/txfinalizer/events"
	"github.com/tranvictor/txfinalizer/store/memstore"
	"github.com/tranvictor/txfinalizer/store/redisstore"
)

// app owns the finalizer and everything that has to be closed after it
type app struct {
	finalizer *txfinalizer.Finalizer
	registry  *prometheus.Registry
	closers   []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{registry: prometheus.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	metrics, err := txfinalizer.NewMetrics(a.registry)
	if err != nil {
		return nil, err
	}
	opts := []txfinalizer.FinalizerOption{
		txfinalizer.WithMetrics(metrics),
		txfinalizer.WithDefaultGasMultiplier(cfg.Gas.DefaultMultiplier),
		txfinalizer.WithSwapRetry(cfg.Swap.MaxAttempts, cfg.Swap.RetryDelay),
	}

	var redisClient redis.UniversalClient
	if cfg.Store.Backend == config.StoreRedis || cfg.Events.Backend == config.EventsRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("couldn't reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		redisClient = client
	}

	switch cfg.Store.Backend {
	case config.StoreRedis:
		store := redisstore.New(redisClient,
			redisstore.WithPrefix(cfg.Redis.Prefix),
			redisstore.WithClaimTTL(cfg.Store.ClaimTTL),
		)
		opts = append(opts,
			txfinalizer.WithRecordStore(store),
			txfinalizer.WithSavedFees(store),
			txfinalizer.WithNonceStore(store),
			txfinalizer.WithClaimStore(store),
		)
	default:
		store := memstore.New()
		opts = append(opts,
			txfinalizer.WithRecordStore(store),
			txfinalizer.WithSavedFees(store),
			txfinalizer.WithNonceStore(store),
		)
	}

	switch cfg.Events.Backend {
	case config.EventsRedis:
		opts = append(opts, txfinalizer.WithPublisher(
			events.NewRedisStreamPublisher(redisClient, cfg.Events.Prefix, cfg.Events.MaxLen),
		))
	case config.EventsKafka:
		publisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Events.Prefix)
		a.closers = append(a.closers, publisher.Close)
		opts = append(opts, txfinalizer.WithPublisher(publisher))
	}

	estimator := chain.NewFeeEstimator()
	opts = append(opts, txfinalizer.WithFeeEstimator(estimator))

	nets := make([]networks.Network, 0, len(cfg.Chains))
	for _, network := range cfg.Networks() {
		ch := network.Chain()
		reader, client, err := chain.Dial(ctx, network, ch.RPCURL)
		if err != nil {
			return nil, err
		}
		closeClient := func() error {
			client.Close()
			return nil
		}
		a.closers = append(a.closers, closeClient)
		estimator.Add(ch.ChainID, reader)
		opts = append(opts, txfinalizer.WithChain(network, reader, txfinalizer.ChainOptions{
			Custom:     ch.Custom,
			Multiplier: ch.GasMultiplier,
		}))
		nets = append(nets, network)

		logger.WithFields(logger.Fields{
			"network":  ch.Name,
			"chain_id": ch.ChainID,
			"custom":   ch.Custom,
		}).Debug("registered chain")
	}
	opts = append(opts, txfinalizer.WithSwapTokens(txfinalizer.SwapTokenTableFromNetworks(cfg.SwapTokens(), nets...)))

	a.finalizer = txfinalizer.NewFinalizer(opts...)
	ok = true
	return a, nil
}

// Close releases every connection in reverse order of creation
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.WithFields(logger.Fields{"error": err}).Warn("close failed")
		}
	}
	a.closers = nil
}

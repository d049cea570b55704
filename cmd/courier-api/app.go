package main

import (
	"context"
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/blob"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/config"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/database"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/gateways"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/pubsub"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/push"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/sessions"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/threads"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/updates"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app holds the wired services shared by the server and the maintenance commands.
type app struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	tokens   *auth.TokenIssuer
	bus      pubsub.Bus
	sessions *sessions.Store
	devices  *devices.Registry
	updates  *updates.Service
	push     *push.Engine
	threads  *threads.Service
	closers  []func() error
}

func buildApp(ctx context.Context) (*app, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}
	a := &app{config: appConfig, logger: logger}
	a.closers = append(a.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	db, err := database.Open(a.config.DatabaseDriver, a.config.DatabaseDSN, a.logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, sqlDB.Close)

	a.tokens, err = auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(a.config.AuthSigningSecret),
		Issuer:        a.config.AuthIssuer,
		TokenTTL:      a.config.AuthTokenTTL,
	})
	if err != nil {
		return err
	}

	if a.bus, err = a.openBus(ctx); err != nil {
		return err
	}
	blobs, err := a.openBlobs(ctx)
	if err != nil {
		return err
	}

	chatStore, err := chat.NewStore(db)
	if err != nil {
		return err
	}
	hydrator, err := updates.NewHydrator(updates.HydratorConfig{Reader: chatStore, Logger: a.logger})
	if err != nil {
		return err
	}
	idProvider := ids.NewUUIDProvider()
	a.updates, err = updates.NewService(updates.ServiceConfig{
		Database:   db,
		Hydrator:   hydrator,
		Publisher:  a.bus,
		IDProvider: idProvider,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}

	a.devices, err = devices.NewRegistry(devices.RegistryConfig{Database: db, Logger: a.logger})
	if err != nil {
		return err
	}
	a.sessions = sessions.NewStore(db)
	updater, err := sessions.NewUpdater(sessions.UpdaterConfig{
		Store:   a.sessions,
		Cipher:  sessions.NewChainRatchet(),
		Backoff: a.config.SessionBackoff,
		Budget:  a.config.SessionBudget,
		Logger:  a.logger,
	})
	if err != nil {
		return err
	}

	platformGateways, err := a.openGateways()
	if err != nil {
		return err
	}
	a.push, err = push.NewEngine(push.EngineConfig{
		Database:                db,
		Chat:                    chatStore,
		Devices:                 a.devices,
		Sessions:                updater,
		Blobs:                   blobs,
		Gateways:                platformGateways,
		Updates:                 a.updates,
		IDProvider:              idProvider,
		MinEncryptedCodeVersion: a.config.MinEncryptedCodeVersion,
		DeviceConcurrency:       a.config.DeviceConcurrency,
		Logger:                  a.logger,
	})
	if err != nil {
		return err
	}

	a.threads, err = threads.NewService(threads.ServiceConfig{
		Chat:       chatStore,
		Updates:    a.updates,
		Notifier:   a.push,
		Publisher:  a.bus,
		IDProvider: idProvider,
		Logger:     a.logger,
	})
	return err
}

func (a *app) openBus(ctx context.Context) (pubsub.Bus, error) {
	switch a.config.BusDriver {
	case config.BusRedis:
		client, err := pubsub.NewRedisClient(ctx, pubsub.RedisConfig{
			Address:  a.config.RedisAddress,
			Password: a.config.RedisPassword,
			DB:       a.config.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return pubsub.NewRedisBus(client, a.logger), nil
	case config.BusAMQP:
		conn, err := pubsub.NewAMQPConnection(a.config.AMQPURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		bus, err := pubsub.NewAMQPBus(conn, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, bus.Close)
		return bus, nil
	default:
		return pubsub.NewLocalBus(), nil
	}
}

// openBlobs returns a nil interface when overflow uploads are disabled.
func (a *app) openBlobs(ctx context.Context) (blob.Store, error) {
	switch a.config.BlobDriver {
	case config.BlobMinio:
		client, err := blob.NewMinioClient(blob.MinioConfig{
			Endpoint:  a.config.MinioEndpoint,
			AccessKey: a.config.MinioAccessKey,
			SecretKey: a.config.MinioSecretKey,
			UseSSL:    a.config.MinioUseSSL,
			Bucket:    a.config.MinioBucket,
		})
		if err != nil {
			return nil, err
		}
		if err := blob.EnsureBucket(ctx, client, a.config.MinioBucket); err != nil {
			return nil, err
		}
		return blob.NewMinioStore(client, a.config.MinioBucket)
	case config.BlobPebble:
		store, err := blob.OpenPebbleStore(a.config.BlobPath, nil)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, nil
	}
}

func (a *app) openGateways() (map[devices.Platform]push.Gateway, error) {
	result := make(map[devices.Platform]push.Gateway)
	if a.config.APNsEnabled() {
		pemBytes, err := os.ReadFile(a.config.APNsKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read apns key: %w", err)
		}
		signingKey, err := gateways.ParseAPNsKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("parse apns key: %w", err)
		}
		apple, err := gateways.NewAPNsClient(gateways.APNsConfig{
			Endpoint:   a.config.APNsEndpoint,
			KeyID:      a.config.APNsKeyID,
			TeamID:     a.config.APNsTeamID,
			Topic:      a.config.APNsTopic,
			SigningKey: signingKey,
			Logger:     a.logger,
		})
		if err != nil {
			return nil, err
		}
		result[devices.PlatformIOS] = apple
		result[devices.PlatformMacOS] = apple
	}
	if a.config.FCMEndpoint != "" {
		android, err := gateways.NewFCMClient(gateways.FCMConfig{
			Endpoint:    a.config.FCMEndpoint,
			AccessToken: a.config.FCMAccessToken,
			Logger:      a.logger,
		})
		if err != nil {
			return nil, err
		}
		result[devices.PlatformAndroid] = android
	}
	if a.config.RelayEndpoint != "" {
		relay, err := gateways.NewRelayClient(gateways.RelayConfig{
			Endpoint:    a.config.RelayEndpoint,
			AccessToken: a.config.RelayAccessToken,
			Logger:      a.logger,
		})
		if err != nil {
			return nil, err
		}
		result[devices.PlatformWeb] = relay
		result[devices.PlatformWindows] = relay
	}
	if len(result) == 0 {
		a.logger.Warn("no push gateways configured; notifications will be recorded as failed")
	}
	return result, nil
}

// Drain waits for detached fan-out and push work started by requests.
func (a *app) Drain() {
	if a.threads != nil {
		a.threads.Wait()
	}
	if a.updates != nil {
		a.updates.Wait()
	}
}

// Close releases resources in reverse acquisition order.
func (a *app) Close() {
	a.Drain()
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](); err != nil && a.logger != nil {
			a.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	a.closers = nil
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"sealed_chat/internal/config"
	"sealed_chat/internal/repository/agent"
	"sealed_chat/internal/service/kas"
	redisSvc "sealed_chat/internal/service/redis"
	"sealed_chat/internal/utils/log"
)

func main() {
	cfgFile := flag.String("f", "", "Path to the daemon config file.")
	flag.Parse()

	cfg, err := loadConfig(*cfgFile)
	if err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}
	if err := log.Init(cfg.Logging.Level, cfg.Logging.File, cfg.Logging.Disable); err != nil {
		log.Fatal("cannot set up logging", zap.Error(err))
	}
	defer log.Sync()

	mongoClient, err := initMongo(cfg.Mongo.URI)
	if err != nil {
		log.Fatal("cannot reach mongo", zap.Error(err))
	}
	db := mongoClient.Database(cfg.Mongo.Database)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	srv, err := kas.NewServer(kas.Config{
		Addr:         cfg.Server.Addr,
		Bearer:       cfg.Server.Bearer,
		DenyPolicies: cfg.Server.DenyPolicies,
	}, agent.NewAgentRepo(db), redisSvc.New(rdb))
	if err != nil {
		log.Fatal("cannot start service", zap.Error(err))
	}

	go func() {
		if err := srv.Run(); err != nil {
			log.Fatal("service stopped", zap.Error(err))
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done

	srv.Close()
	mongoClient.Disconnect(context.Background())
	rdb.Close()
}

func loadConfig(path string) (*config.ServerConfig, error) {
	if path == "" {
		return config.LoadServer(nil)
	}
	return config.LoadServerFile(path)
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}

package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"sealed_chat/internal/config"
	"sealed_chat/internal/protocol/nanotdf"
	"sealed_chat/internal/repository/queue"
	"sealed_chat/internal/service/router"
	"sealed_chat/internal/service/session"
	"sealed_chat/internal/utils/log"
)

func main() {
	cfgFile := flag.String("f", "", "Path to the client config file.")
	flag.Parse()
	if *cfgFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadFile(*cfgFile)
	if err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}
	if err := log.Init(cfg.Logging.Level, cfg.Logging.File, cfg.Logging.Disable); err != nil {
		log.Fatal("cannot set up logging", zap.Error(err))
	}
	defer log.Sync()

	q, err := queue.Open(cfg.Queue.File, queue.Options{
		BudgetBytes: cfg.Queue.BudgetBytes,
		TTL:         cfg.Queue.TTL(),
	})
	if err != nil {
		log.Fatal("cannot open queue", zap.Error(err))
	}
	defer q.Close()

	c, err := session.New(session.Config{
		URL:            cfg.KAS.URL,
		Bearer:         cfg.KAS.Bearer,
		Agent:          cfg.KAS.Agent,
		Heartbeat:      cfg.Session.Heartbeat(),
		ReconnectDelay: cfg.Session.Reconnect(),
		RewrapTimeout:  cfg.Session.Rewrap(),
		ReplayInterval: cfg.Queue.Retry(),
		MaxInflight:    cfg.Session.MaxInflightDecrypts,
	}, nil, q, router.New(handlers()))
	if err != nil {
		log.Fatal("cannot build session", zap.Error(err))
	}

	c.Start()
	defer c.Shutdown()

	go sendLoop(c, cfg.KAS.URL)

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done
}

func handlers() router.Handlers {
	return router.Handlers{
		Message: router.ContentHandlerFunc(func(plaintext []byte, _ *nanotdf.Policy, _ *nanotdf.Envelope) error {
			fmt.Printf("message: %s\n", plaintext)
			return nil
		}),
		AccountProfile: router.ContentHandlerFunc(func(plaintext []byte, _ *nanotdf.Policy, _ *nanotdf.Envelope) error {
			log.Info("account profile update", zap.Int("bytes", len(plaintext)))
			return nil
		}),
		StreamProfile: router.ContentHandlerFunc(func(plaintext []byte, _ *nanotdf.Policy, _ *nanotdf.Envelope) error {
			log.Info("stream profile update", zap.Int("bytes", len(plaintext)))
			return nil
		}),
		MediaFrame: router.MediaFrameHandlerFunc(func(plaintext []byte) error {
			log.Info("media frame", zap.Int("bytes", len(plaintext)))
			return nil
		}),
		Custom: router.CustomFrameHandlerFunc(func(code byte, body []byte) error {
			log.Info("custom frame", zap.Uint8("code", code), zap.Int("bytes", len(body)))
			return nil
		}),
	}
}

// sendLoop seals each stdin line toward the service key and sends it as a
// direct message.
func sendLoop(c *session.Client, kasURL string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}

		kasPub := c.KASKey()
		if kasPub == nil {
			fmt.Println("(still connecting, try again)")
			continue
		}

		policy := nanotdf.Policy{
			Type: nanotdf.PolicyEmbeddedPlain,
			Body: []byte(`{"content_type":"text/plain"}`),
		}
		env, err := nanotdf.Seal([]byte(text), policy, kasURL, kasPub, nil)
		if err != nil {
			log.Error("seal failed", zap.Error(err))
			continue
		}
		if err := c.Send(env, false); err != nil {
			log.Warn("send failed", zap.Error(err))
		}
	}
}

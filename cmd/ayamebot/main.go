package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"git.sr.ht/~kaori/ayame"
	"git.sr.ht/~kaori/ayame/config"
	"git.sr.ht/~kaori/ayame/xirc"
)

var (
	configPath string
	debug      bool
)

func main() {
	flag.StringVar(&configPath, "config", "ayamebot.conf", "path to configuration file")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config file: %v", err)
	}

	tlsVerify := cfg.TLSVerify
	client, err := ayame.NewClient(ayame.Config{
		Addr:                  cfg.Server,
		Nick:                  cfg.Nick,
		FallbackNicks:         cfg.FallbackNicks,
		Username:              cfg.Username,
		Realname:              cfg.Realname,
		Pass:                  cfg.Pass,
		TLS:                   cfg.TLS,
		TLSVerify:             &tlsVerify,
		TLSClientCert:         cfg.TLSClientCert,
		TLSClientCertKey:      cfg.TLSClientCertKey,
		TLSClientCertPassword: cfg.TLSClientCertPassword,
		SASLMechanism:         cfg.SASLMechanism,
		SASLUsername:          cfg.SASLUsername,
		SASLPassword:          cfg.SASLPassword,
		SASLRequired:          cfg.SASLRequired,
		Encoding:              cfg.Encoding,
		PingTimeout:           cfg.PingTimeout,
		Channels:              cfg.Channels,
		Debug:                 debug,
	})
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}

	client.Callbacks = ayame.Callbacks{
		Connect: func(c *ayame.Client) {
			log.Printf("registered as %v", c.Nick())
		},
		ChannelMessage: func(c *ayame.Client, src *xirc.Prefix, channel, text string, at time.Time) {
			if !strings.HasPrefix(text, c.Nick()+":") {
				return
			}
			c.Message(channel, src.Name+": pong")
		},
		Error: func(c *ayame.Client, err error) {
			log.Printf("client error: %v", err)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Printf("shutting down")
		cancel()
	}()

	if err := client.Run(ctx); err != nil {
		log.Fatalf("client failed: %v", err)
	}
}

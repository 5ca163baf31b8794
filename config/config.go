// Package config loads bot configuration files. The format is the
// scfg directive syntax:
//
//	server ircs://irc.libera.chat
//	nick mybot
//	fallback-nicks mybot_ mybotX
//	sasl plain mybot hunter2
//	channel "#mybot"
//	channel "#mybot-dev"
package config

import (
	"fmt"
	"strconv"
	"time"

	"git.sr.ht/~emersion/go-scfg"
)

type Bot struct {
	Server        string
	Nick          string
	FallbackNicks []string
	Username      string
	Realname      string
	Pass          string

	TLS                   bool
	TLSVerify             bool
	TLSClientCert         string
	TLSClientCertKey      string
	TLSClientCertPassword string

	SASLMechanism string
	SASLUsername  string
	SASLPassword  string
	SASLRequired  bool

	Encoding    string
	PingTimeout time.Duration
	Channels    []string
}

func Defaults() *Bot {
	return &Bot{
		TLS:       true,
		TLSVerify: true,
	}
}

func Load(path string) (*Bot, error) {
	cfg, err := scfg.Load(path)
	if err != nil {
		return nil, err
	}
	return parse(cfg)
}

func parse(cfg scfg.Block) (*Bot, error) {
	bot := Defaults()
	for _, d := range cfg {
		switch d.Name {
		case "server":
			if err := d.ParseParams(&bot.Server); err != nil {
				return nil, err
			}
		case "nick":
			if err := d.ParseParams(&bot.Nick); err != nil {
				return nil, err
			}
		case "fallback-nicks":
			bot.FallbackNicks = d.Params
		case "username":
			if err := d.ParseParams(&bot.Username); err != nil {
				return nil, err
			}
		case "realname":
			if err := d.ParseParams(&bot.Realname); err != nil {
				return nil, err
			}
		case "password":
			if err := d.ParseParams(&bot.Pass); err != nil {
				return nil, err
			}
		case "tls":
			var str string
			if err := d.ParseParams(&str); err != nil {
				return nil, err
			}
			v, err := strconv.ParseBool(str)
			if err != nil {
				return nil, fmt.Errorf("directive %q: %v", d.Name, err)
			}
			bot.TLS = v
		case "tls-verify":
			var str string
			if err := d.ParseParams(&str); err != nil {
				return nil, err
			}
			v, err := strconv.ParseBool(str)
			if err != nil {
				return nil, fmt.Errorf("directive %q: %v", d.Name, err)
			}
			bot.TLSVerify = v
		case "tls-client-cert":
			bot.TLSClientCertKey = ""
			if err := d.ParseParams(&bot.TLSClientCert); err != nil {
				return nil, err
			}
			if len(d.Params) > 1 {
				bot.TLSClientCertKey = d.Params[1]
			}
			if len(d.Params) > 2 {
				bot.TLSClientCertPassword = d.Params[2]
			}
		case "sasl":
			var mech string
			if err := d.ParseParams(&mech); err != nil {
				return nil, err
			}
			switch mech {
			case "plain":
				bot.SASLMechanism = "PLAIN"
				if err := d.ParseParams(nil, &bot.SASLUsername, &bot.SASLPassword); err != nil {
					return nil, err
				}
			case "external":
				bot.SASLMechanism = "EXTERNAL"
			default:
				return nil, fmt.Errorf("directive %q: unknown mechanism %q", d.Name, mech)
			}
		case "sasl-required":
			bot.SASLRequired = true
		case "encoding":
			if err := d.ParseParams(&bot.Encoding); err != nil {
				return nil, err
			}
		case "ping-timeout":
			var str string
			if err := d.ParseParams(&str); err != nil {
				return nil, err
			}
			v, err := time.ParseDuration(str)
			if err != nil {
				return nil, fmt.Errorf("directive %q: %v", d.Name, err)
			}
			bot.PingTimeout = v
		case "channel":
			var name string
			if err := d.ParseParams(&name); err != nil {
				return nil, err
			}
			bot.Channels = append(bot.Channels, name)
		default:
			return nil, fmt.Errorf("unknown directive %q", d.Name)
		}
	}

	if bot.Server == "" {
		return nil, fmt.Errorf("missing \"server\" directive")
	}
	if bot.Nick == "" {
		return nil, fmt.Errorf("missing \"nick\" directive")
	}

	return bot, nil
}

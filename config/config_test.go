package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func loadString(t *testing.T, contents string) (*Bot, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ayamebot.conf")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}
	return Load(path)
}

func TestLoad(t *testing.T) {
	bot, err := loadString(t, `
server ircs://irc.example.org
nick mybot
fallback-nicks mybot_ mybotX
username bot
realname "My Bot"
sasl plain mybot hunter2
tls-verify false
encoding utf-8
ping-timeout 90s
channel "#mybot"
channel "#mybot-dev"
`)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	if bot.Server != "ircs://irc.example.org" || bot.Nick != "mybot" {
		t.Errorf("server/nick = %q/%q", bot.Server, bot.Nick)
	}
	if !reflect.DeepEqual(bot.FallbackNicks, []string{"mybot_", "mybotX"}) {
		t.Errorf("fallback nicks = %v", bot.FallbackNicks)
	}
	if bot.Realname != "My Bot" {
		t.Errorf("realname = %q", bot.Realname)
	}
	if bot.SASLMechanism != "PLAIN" || bot.SASLUsername != "mybot" || bot.SASLPassword != "hunter2" {
		t.Errorf("sasl = %q %q %q", bot.SASLMechanism, bot.SASLUsername, bot.SASLPassword)
	}
	if bot.TLSVerify {
		t.Errorf("tls-verify not applied")
	}
	if !bot.TLS {
		t.Errorf("tls default not applied")
	}
	if bot.PingTimeout != 90*time.Second {
		t.Errorf("ping-timeout = %v", bot.PingTimeout)
	}
	if !reflect.DeepEqual(bot.Channels, []string{"#mybot", "#mybot-dev"}) {
		t.Errorf("channels = %v", bot.Channels)
	}
}

func TestLoadRejectsUnknownDirective(t *testing.T) {
	if _, err := loadString(t, "server irc.example.org\nnick x\nbogus-directive 1\n"); err == nil {
		t.Errorf("Load() accepted an unknown directive")
	}
}

func TestLoadRequiresServerAndNick(t *testing.T) {
	if _, err := loadString(t, "nick x\n"); err == nil {
		t.Errorf("Load() accepted a config without server")
	}
	if _, err := loadString(t, "server irc.example.org\n"); err == nil {
		t.Errorf("Load() accepted a config without nick")
	}
}

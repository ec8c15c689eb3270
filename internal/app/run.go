package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mapmarket/relaychat/internal/call"
	"github.com/mapmarket/relaychat/internal/config"
	"github.com/mapmarket/relaychat/internal/media"
	"github.com/mapmarket/relaychat/internal/metrics"
	"github.com/mapmarket/relaychat/internal/restapi"
	"github.com/mapmarket/relaychat/internal/storage"
	"github.com/mapmarket/relaychat/internal/transport"
	"github.com/mapmarket/relaychat/internal/util"
)

type Options struct {
	ProfileDir string
	CfgPath    string
	Cfg        config.Config

	// In and Out default to stdin and stdout.
	In  io.Reader
	Out io.Writer
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// TransportOptions maps the relay section to transport options.
func TransportOptions(cfg config.Config) transport.Options {
	return transport.Options{
		URL:              cfg.SocketURL(),
		Token:            cfg.Relay.Token,
		Cookie:           cfg.Relay.Cookie,
		MaxAttempts:      cfg.Relay.ReconnectAttempts,
		BaseDelay:        ms(cfg.Relay.ReconnectDelayMs),
		MaxDelay:         ms(cfg.Relay.ReconnectMaxDelayMs),
		HandshakeTimeout: time.Duration(cfg.Relay.HandshakeTimeoutSec) * time.Second,
		PingInterval:     time.Duration(cfg.Relay.PingIntervalSec) * time.Second,
	}
}

// ClientOptionsFromConfig maps a profile config to client options. Clock,
// microphone, peer factory and cache are left to the caller.
func ClientOptionsFromConfig(cfg config.Config) ClientOptions {
	return ClientOptions{
		SelfID:            cfg.Identity.UserID,
		ConversationLimit: cfg.Chat.ConversationLimit,
		MessageLimit:      cfg.Chat.MessageLimit,
		ReadBatch:         ms(cfg.Chat.ReadBatchMs),
		TypingStop:        ms(cfg.Chat.TypingStopMs),
		TypingHide:        ms(cfg.Chat.TypingHideMs),
		SearchDebounce:    ms(cfg.Chat.SearchDebounceMs),
		NoticeBuffer:      cfg.Chat.NoticeBuffer,
		CallsEnabled:      cfg.Call.Enabled,
		ICEServers:        cfg.Call.ICEServers,
		ICEGatherWait:     ms(cfg.Call.ICEGatherWaitMs),
		MaxRecording:      time.Duration(cfg.Audio.MaxDurationSec) * time.Second,
	}
}

// Run starts one client session for a profile and serves the command
// loop until ctx is done or the user quits.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	applyLogLevels(cfg.Log)
	logBanner(opt.ProfileDir, opt.CfgPath, cfg)

	if opt.In == nil {
		opt.In = os.Stdin
	}
	if opt.Out == nil {
		opt.Out = os.Stdout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if opt.CfgPath != "" {
		if err := config.Watch(ctx, opt.CfgPath, func(c config.Config) {
			applyLogLevels(c.Log)
		}); err != nil {
			log.Warnf("config watch: %v", err)
		}
	}

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				log.Errorf("metrics: %v", err)
			}
		}()
		log.Infof("metrics on http://%s/metrics", cfg.Metrics.Addr)
	}

	copt := ClientOptionsFromConfig(cfg)
	copt.Mic = media.Microphone()
	copt.NewPeer = call.NewPionPeer

	if cfg.Storage.Path != "" {
		db, err := storage.Open(util.ResolvePath(opt.ProfileDir, cfg.Storage.Path))
		if err != nil {
			log.Warnf("cache disabled: %v", err)
		} else {
			defer db.Close()
			if err := resetOnIdentityChange(db, cfg.Identity.UserID); err != nil {
				log.Warnf("cache reset: %v", err)
			}
			copt.Cache = db
		}
	}

	relay := transport.New(TransportOptions(cfg))
	api := restapi.NewClient(cfg.APIBase(), cfg.Relay.Token, cfg.Relay.Cookie)
	client := NewClient(relay, api, copt)
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		// The list can be reloaded from the prompt once the server answers.
		log.Warnf("start: %v", err)
	}

	p := newPrompt(client, opt.In, opt.Out)
	client.OnNotice(p.notice)
	client.OnTyping(p.typing)
	client.OnMessage(p.message)

	err := p.loop(ctx)
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// resetOnIdentityChange clears a cache that belongs to another account.
func resetOnIdentityChange(db *storage.DB, userID string) error {
	prev, err := db.Meta("user_id")
	if err != nil {
		return err
	}
	if prev == userID {
		return nil
	}
	if prev != "" {
		log.Infof("account changed (%s -> %s), clearing cache", prev, userID)
		if err := db.Reset(); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return db.SetMeta("user_id", userID)
}

package bot

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/EgorLis/presencebot/internal/config"
	"github.com/EgorLis/presencebot/internal/discordclient"
	"github.com/EgorLis/presencebot/internal/guild"
	"github.com/EgorLis/presencebot/internal/reconcile"
)

// Sender отправляет ответ в канал.
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
}

// gateway: то, что бот делает с подключением. Реализует *discordclient.Client.
type gateway interface {
	Open() error
	Close() error
	Ready() <-chan struct{}
}

type PresenceBot struct {
	client     guild.Client
	sender     Sender
	gw         gateway
	responder  *Responder
	reconciler *reconcile.Service
	userTag    func() string

	log *zap.Logger

	fatal  chan error
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New собирает бота поверх discordgo-сессии.
func New(cfg config.Config, log *zap.Logger) (*PresenceBot, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dc, err := discordclient.New(discordclient.Config{Token: cfg.Token, StatusText: cfg.StatusText}, log)
	if err != nil {
		return nil, err
	}
	b := newBot(cfg, dc, dc, log)
	b.gw = dc
	b.userTag = dc.UserTag

	dc.OnMessage = b.handleMessage
	dc.OnDisconnected = func() { log.Info("waiting for discordgo to reconnect") }
	return b, nil
}

func newBot(cfg config.Config, client guild.Client, sender Sender, log *zap.Logger) *PresenceBot {
	b := &PresenceBot{
		client:     client,
		sender:     sender,
		responder:  NewResponder(cfg.Prefix, cfg.RoleName, cfg.Reconcile().Matcher(), client),
		reconciler: reconcile.New(client, cfg.Reconcile(), log),
		userTag:    func() string { return "" },
		log:        log.Named("bot"),
		fatal:      make(chan error, 1),
	}
	if cfg.ExtraCommands {
		b.responder.EnableExtras(b.reconciler)
	}
	b.reconciler.OnFatal = func(err error) {
		select {
		case b.fatal <- err:
		default:
		}
	}
	return b
}

// SetReportHook: подписка на итоги циклов (статус-сервер, метрики и т.п.).
func (b *PresenceBot) SetReportHook(fn func(reconcile.Report)) {
	b.reconciler.OnReport = fn
}

// SetPolicy меняет политику ошибок цикла сверки.
func (b *PresenceBot) SetPolicy(p reconcile.Policy) {
	b.reconciler.SetPolicy(p)
}

func (b *PresenceBot) UserTag() string {
	return b.userTag()
}

// Fatal: сюда приходит ошибка, после которой процессу пора завершаться.
func (b *PresenceBot) Fatal() <-chan error {
	return b.fatal
}

// Start подключается к гейтвею и запускает цикл сверки после READY.
func (b *PresenceBot) Start(ctx context.Context) error {
	if b == nil {
		return errors.New("bot is not initialized")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return errors.New("already running")
	}

	var ready <-chan struct{}
	if b.gw != nil {
		if err := b.gw.Open(); err != nil {
			return err
		}
		ready = b.gw.Ready()
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := b.reconciler.Start(ctx, ready); err != nil {
		cancel()
		if b.gw != nil {
			_ = b.gw.Close()
		}
		return err
	}
	b.cancel = cancel
	b.log.Info("started")
	return nil
}

// Stop останавливает цикл и закрывает сессию. Повторный Stop ничего не делает.
func (b *PresenceBot) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	b.reconciler.Stop()
	if b.gw != nil {
		if err := b.gw.Close(); err != nil {
			b.log.Warn("close session", zap.Error(err))
		}
	}
	b.log.Info("stopped")
}

func (b *PresenceBot) handleMessage(m discordclient.Message) {
	if m.AuthorBot {
		return
	}
	if !strings.HasPrefix(strings.TrimSpace(m.Content), b.responder.prefix) {
		return
	}

	ctx := context.Background()
	reply, handled, err := b.responder.HandleCommand(ctx, Invocation{
		CommunityID: m.CommunityID,
		ChannelID:   m.ChannelID,
		AuthorID:    m.AuthorID,
		Text:        m.Content,
	})
	if err != nil {
		b.log.Error("command failed", zap.String("author", m.AuthorName), zap.String("text", m.Content), zap.Error(err))
		return
	}
	if !handled {
		return
	}
	b.log.Debug("command", zap.String("author", m.AuthorName), zap.String("text", m.Content))

	if err := b.sender.Send(ctx, m.ChannelID, reply); err != nil {
		b.log.Error("send reply", zap.String("channel", m.ChannelID), zap.Error(err))
	}
}

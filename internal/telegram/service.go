// Package telegram is a Requester front-end: users send /enhance in a chat,
// watch the result stream into one message and then use, edit or discard it.
package telegram

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"rafined/internal/channel"
	"rafined/internal/metrics"
	"rafined/internal/model"
)

const defaultEditInterval = time.Second

type Enhancer interface {
	Serve(ctx context.Context, conn channel.Conn, owner string) error
}

type Store interface {
	GetSettings(ctx context.Context, owner string) (model.Settings, error)
	SaveSettings(ctx context.Context, owner string, patch model.SettingsPatch) (model.Settings, error)
	GetHistory(ctx context.Context, owner string) ([]model.HistoryEntry, error)
	MarkHistoryUsed(ctx context.Context, owner, id string) error
	ClearHistory(ctx context.Context, owner string) error
}

type Config struct {
	Bot      *gotgbot.Bot
	Enhancer Enhancer
	Store    Store
	// Redis holds pending edits; nil keeps them in memory.
	Redis   *redis.Client
	EditTTL time.Duration
	// EditInterval throttles streamed message edits.
	EditInterval time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

type Service struct {
	msg          messenger
	enhancer     Enhancer
	store        Store
	edits        *editStore
	editInterval time.Duration
	logger       zerolog.Logger
	metrics      *metrics.Metrics

	ctx  context.Context
	stop context.CancelFunc

	mu    sync.Mutex
	users map[int64]*userSession
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.EditTTL <= 0 {
		cfg.EditTTL = 20 * time.Minute
	}
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = defaultEditInterval
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Service{
		enhancer:     cfg.Enhancer,
		store:        cfg.Store,
		edits:        newEditStore(cfg.Redis, cfg.EditTTL),
		editInterval: cfg.EditInterval,
		logger:       cfg.Logger.With().Str("component", "telegram").Logger(),
		metrics:      m,
		ctx:          ctx,
		stop:         stop,
		users:        map[int64]*userSession{},
	}
	if cfg.Bot != nil {
		s.msg = botMessenger{bot: cfg.Bot}
	}
	return s
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.help))
	d.AddHandler(handlers.NewCommand("enhance", s.enhance))
	d.AddHandler(handlers.NewCommand("cancel", s.cancel))
	d.AddHandler(handlers.NewCommand("settings", s.settings))
	d.AddHandler(handlers.NewCommand("key", s.setKey))
	d.AddHandler(handlers.NewCommand("tone", s.setTone))
	d.AddHandler(handlers.NewCommand("format", s.setFormat))
	d.AddHandler(handlers.NewCommand("concise", s.setConcise))
	d.AddHandler(handlers.NewCommand("history", s.history))
	d.AddHandler(handlers.NewCommand("clear_history", s.clearHistory))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Text(msg) && !strings.HasPrefix(msg.Text, "/")
	}, s.plainText))
}

// Close cancels every running enhancement and stops the renderers.
func (s *Service) Close() {
	s.mu.Lock()
	users := make([]*userSession, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.mu.Unlock()
	for _, u := range users {
		u.req.Cancel()
	}
	s.stop()
}

func ownerFor(userID int64) string {
	return "tg:" + strconv.FormatInt(userID, 10)
}

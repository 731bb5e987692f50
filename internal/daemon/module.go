package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tandem-app/tandem/internal/bus"
	"github.com/tandem-app/tandem/internal/chat"
	"github.com/tandem-app/tandem/internal/chat/outbound"
	"github.com/tandem-app/tandem/internal/chat/registry"
	"github.com/tandem-app/tandem/internal/chat/syncer"
	"github.com/tandem-app/tandem/internal/chat/timeline"
	"github.com/tandem-app/tandem/internal/chat/unread"
	"github.com/tandem-app/tandem/internal/config"
	"github.com/tandem-app/tandem/internal/docstore"
	"github.com/tandem-app/tandem/internal/docstore/sqlitestore"
	"github.com/tandem-app/tandem/internal/lock"
	"github.com/tandem-app/tandem/internal/logging"
	"github.com/tandem-app/tandem/internal/notify"
	"github.com/tandem-app/tandem/internal/objstore"
	"github.com/tandem-app/tandem/internal/presence"
	"github.com/tandem-app/tandem/internal/profile"
	"github.com/tandem-app/tandem/internal/status"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	ListenAddr  string // optional override for testing; empty = use config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideObjects,
			provideCache,
			provideNotifier,
			provideCounter,
			provideEngine,
			providePipeline,
			providePresence,
			provideRegistry,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.Load(profile.ConfigPath(p.ProfileName))
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (docstore.Store, error) {
	dbPath := profile.StoreDBPath(p.ProfileName)
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return nil, err
	}
	logger.Info("document store initialized", zap.String("path", dbPath))
	return store, nil
}

func provideObjects(p Params) (objstore.Store, error) {
	return objstore.NewFS(profile.MediaDir(p.ProfileName))
}

func provideCache() *timeline.Cache {
	return timeline.New()
}

func provideNotifier(b *bus.Bus, logger *zap.Logger) *notify.Notifier {
	return notify.New(b, logger, notify.DefaultBannerTTL)
}

func provideCounter(cfg *config.Config, cache *timeline.Cache, store docstore.Store, b *bus.Bus, logger *zap.Logger) *unread.Counter {
	return unread.New(cfg.ClientUserID, cache, store, b, logger)
}

func provideEngine(cfg *config.Config, store docstore.Store, cache *timeline.Cache, counter *unread.Counter, notifier *notify.Notifier, b *bus.Bus, logger *zap.Logger) *syncer.Engine {
	engine := syncer.New(cfg.ClientUserID, store, cache, counter, notifier, b, logger)
	if cfg.PageSize > 0 {
		engine.SetPageSize(cfg.PageSize)
	}
	return engine
}

func providePipeline(cfg *config.Config, store docstore.Store, objects objstore.Store, cache *timeline.Cache, b *bus.Bus, logger *zap.Logger) *outbound.Pipeline {
	return outbound.New(cfg.ClientUserID, store, objects, cache, b, logger)
}

func providePresence(cfg *config.Config, store docstore.Store) *presence.Tracker {
	return presence.New(cfg.ClientUserID, store)
}

func provideRegistry(cfg *config.Config, store docstore.Store, engine *syncer.Engine, b *bus.Bus, logger *zap.Logger) *registry.Registry {
	hook := func(partnerID, conversationID string) {
		if err := engine.Open(context.Background(), partnerID, conversationID); err != nil {
			logger.Error("conversation sync open failed",
				zap.String("partner", partnerID), zap.Error(err))
		}
	}
	return registry.New(cfg.ClientUserID, store, b, logger, hook)
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, lk *lock.Lock, cfg *config.Config, store docstore.Store, reg *registry.Registry, engine *syncer.Engine, counter *unread.Counter, notifier *notify.Notifier, machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	var hiddenSub docstore.Subscription

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_ = machine.Transition(status.Discovering)
			startedAt := time.Now().UnixMilli()

			// Prime the hidden set before any counts are served.
			if doc, err := store.Get(ctx, docstore.CollectionUsers, cfg.ClientUserID); err == nil {
				counter.SetHidden(chat.UserFromDoc(doc).HiddenConversationIDs)
			}

			if err := reg.DiscoverExisting(ctx); err != nil {
				logger.Error("partner discovery failed", zap.Error(err))
				_ = machine.Transition(status.Degraded)
			} else {
				if err := reg.WatchNew(context.Background(), startedAt); err != nil {
					logger.Error("partner watch failed", zap.Error(err))
					_ = machine.Transition(status.Degraded)
				} else {
					_ = machine.Transition(status.Ready)
				}
			}

			// Follow the users collection: the client's own document feeds
			// hidden-conversation edits into the unread counter, partner
			// documents surface typing/last-online changes to the UI.
			sub, err := store.Subscribe(context.Background(), docstore.CollectionUsers, nil)
			if err != nil {
				logger.Warn("user watch failed", zap.Error(err))
			} else {
				hiddenSub = sub
				go func() {
					for batch := range sub.Changes() {
						for _, change := range batch {
							if change.Kind == docstore.ChangeRemoved {
								continue
							}
							user := chat.UserFromDoc(change.Doc)
							if change.Doc.ID == cfg.ClientUserID {
								counter.SetHidden(user.HiddenConversationIDs)
								continue
							}
							if conversationID, ok := reg.ConversationFor(change.Doc.ID); ok {
								b.Publish(bus.Event{
									Kind:      bus.KindRegistryPartnerUpdated,
									Timestamp: time.Now(),
									Payload: registry.Partner{
										PartnerID:      change.Doc.ID,
										ConversationID: conversationID,
										User:           user,
									},
								})
							}
						}
					}
				}()
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			logger.Info("daemon started",
				zap.String("profile", p.ProfileName),
				zap.String("user", cfg.ClientUserID))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = machine.Transition(status.Stopped)
			srv.Stop(ctx)
			if hiddenSub != nil {
				hiddenSub.Close()
			}
			engine.Close()
			reg.Close()
			notifier.Stop()
			b.Close()
			if err := store.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

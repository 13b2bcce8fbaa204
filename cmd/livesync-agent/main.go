// Command livesync-agent is a headless client: it subscribes to a user's
// realtime channels, keeps local collections fresh, and auto-saves a draft
// file to the gateway's collection store.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/workdeck/livesync/internal/autosave"
	"github.com/workdeck/livesync/internal/notify"
	"github.com/workdeck/livesync/internal/realtime"
	"github.com/workdeck/livesync/internal/synchub"
)

func main() {
	baseURL := os.Getenv("LIVESYNC_AGENT_URL")
	if baseURL == "" {
		baseURL = "ws://localhost:8080"
	}
	token := os.Getenv("LIVESYNC_TOKEN")
	userID := os.Getenv("LIVESYNC_USER_ID")
	if userID == "" {
		log.Fatal("LIVESYNC_USER_ID is required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: levelEnv("LIVESYNC_LOG_LEVEL", slog.LevelInfo),
	}))

	store, err := synchub.BuildStoreFromDSN(os.Getenv("LIVESYNC_CACHE_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize local cache: %v", err)
	}
	defer store.Close()

	coordinator := synchub.NewCoordinator(store, logger)
	coordinator.Register("notifications", func(records []synchub.Record) {
		logger.Info("notifications refreshed", "count", len(records))
	}, synchub.Filter{"user_id": userID})
	coordinator.Register("projects", func(records []synchub.Record) {
		logger.Info("projects refreshed", "count", len(records))
	}, nil)

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	ctx := context.Background()
	if permission, err := notifier.RequestPermission(ctx); err != nil || permission != notify.PermissionGranted {
		logger.Info("native notifications unavailable, staying in-app only", "permission", permission)
		notifier = notify.Noop{}
	}

	manager := realtime.NewManager(logger)
	router := realtime.NewRouter(logger)
	defer manager.CloseAll()

	callbacks := realtime.EventCallbacks{
		OnNotification: func(ev realtime.Event) {
			title, _ := ev.Payload["title"].(string)
			message, _ := ev.Payload["message"].(string)
			if err := notifier.Push(ctx, title, message); err != nil {
				logger.Debug("native notification failed", "error", err)
			}
			coordinator.ScheduleRefresh("notifications", 0)
		},
		OnUnreadSnapshot: func(ev realtime.Event) {
			logger.Info("unread notifications", "count", ev.Count)
		},
		OnResourceUpdate: func(ev realtime.Event) {
			coordinator.ScheduleRefresh("projects", 0)
		},
		OnSystemMessage: func(ev realtime.Event) {
			if err := notifier.Push(ctx, "System", ev.Message); err != nil {
				logger.Debug("native notification failed", "error", err)
			}
		},
		OnChatMessage: func(ev realtime.Event) {
			logger.Info("chat message", "data", ev.Payload)
		},
		OnError: func(ev realtime.Event) {
			logger.Warn("server error event", "message", ev.Message)
		},
	}

	openChannel := func(id, url string) {
		channelCallbacks := realtime.ChannelCallbacks{
			OnMessage: func(raw []byte) {
				router.Route(id, raw, callbacks)
			},
			OnStatusChange: func(status realtime.Status) {
				logger.Info("channel status", "channel", id, "status", status)
			},
			OnError: func(err error) {
				logger.Error("channel gave up", "channel", id, "error", err)
			},
		}
		opts := realtime.Options{
			BaseDelay:    durationEnv("LIVESYNC_RECONNECT_BASE_DELAY", 0),
			MaxAttempts:  intEnv("LIVESYNC_RECONNECT_MAX_ATTEMPTS", 0),
			PingInterval: durationEnv("LIVESYNC_PING_INTERVAL", 0),
		}
		if err := manager.Open(ctx, id, url, opts, channelCallbacks); err != nil {
			log.Fatalf("failed to open channel %s: %v", id, err)
		}
		manager.StartPinging(id)
	}

	userURL, err := realtime.UserNotificationsURL(baseURL, userID, token)
	if err != nil {
		log.Fatalf("invalid gateway url: %v", err)
	}
	openChannel(realtime.UserNotificationsChannel(userID), userURL)

	if projectID := os.Getenv("LIVESYNC_PROJECT_ID"); projectID != "" {
		projectURL, err := realtime.ProjectNotificationsURL(baseURL, projectID, token)
		if err != nil {
			log.Fatalf("invalid gateway url: %v", err)
		}
		openChannel(realtime.ProjectChannel(projectID), projectURL)
	}

	scheduler := autosave.NewScheduler(logger)
	defer scheduler.StopAll()
	if draftFile := os.Getenv("LIVESYNC_DRAFT_FILE"); draftFile != "" {
		formID := "draft:" + draftFile
		startDraftAutosave(scheduler, coordinator, logger, formID, draftFile,
			durationEnv("LIVESYNC_AUTOSAVE_INTERVAL", 0))
		watcher, err := autosave.NewDraftWatcher(scheduler, formID, draftFile, logger)
		if err != nil {
			log.Fatalf("failed to watch draft file: %v", err)
		}
		defer watcher.Close()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")
}

// startDraftAutosave persists the draft file into the "drafts" collection on
// every tick that finds unsaved changes.
func startDraftAutosave(scheduler *autosave.Scheduler, coordinator *synchub.Coordinator, logger *slog.Logger, formID, path string, interval time.Duration) {
	snapshotFn := func() (any, bool) {
		state, ok := scheduler.State(formID)
		if ok && !state.HasUnsavedChanges && !state.LastSavedAt.IsZero() {
			return nil, false
		}
		data, err := os.ReadFile(path)
		if err != nil || len(data) == 0 {
			return nil, false
		}
		return data, true
	}
	saveFn := func(ctx context.Context, snapshot any) (bool, error) {
		data, ok := snapshot.([]byte)
		if !ok {
			return false, nil
		}
		record := synchub.Record{"id": formID, "content": string(data)}
		var draft map[string]any
		if err := json.Unmarshal(data, &draft); err == nil {
			record["fields"] = draft
		}
		if _, err := coordinator.UpsertThenRefresh(ctx, "drafts", record, 0); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := scheduler.Start(formID, saveFn, snapshotFn, interval); err != nil {
		log.Fatalf("failed to start autosave: %v", err)
	}
	scheduler.AddListener(formID, func(state autosave.State) {
		if state.LastError != "" {
			logger.Warn("draft save failed", "form", formID, "error", state.LastError)
		}
	})
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func levelEnv(name string, fallback slog.Level) slog.Level {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return level
}

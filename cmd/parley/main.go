package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parleyhq/parley/internal/audio"
	"github.com/parleyhq/parley/internal/capture"
	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/debrief"
	"github.com/parleyhq/parley/internal/gdrive"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/playback"
	"github.com/parleyhq/parley/internal/server"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/vad"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	persona := flag.String("persona", "", "persona to converse with (overrides config)")
	scenario := flag.String("scenario", "", "conversation scenario (overrides config)")
	flag.Parse()

	log.Println("parley: starting")

	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}
	if *persona != "" {
		cfg.Persona = *persona
	}
	if *scenario != "" {
		cfg.Scenario = *scenario
	}

	store, err := history.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("history init failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The orchestrator and its collaborators reference each other through
	// callbacks, so the variable is declared first and the closures check it.
	var orch *session.Orchestrator

	sink := audio.NewFFPlaySink(cfg.FFPlayPath, cfg.PlaybackRate, cfg.PlaybackVolume)
	defer func() { _ = sink.Close() }()

	streamer := playback.NewStreamer(sink, playback.Config{
		MaxDepth: cfg.QueueDepth,
		OnStart: func() {
			if orch != nil {
				orch.OnPlaybackStart()
			}
		},
		OnEnd: func() {
			if orch != nil {
				orch.OnPlaybackEnd()
			}
		},
	})
	defer streamer.Close()

	openMic := func() (capture.Device, int, error) {
		mic, err := audio.OpenMic(cfg.SampleRateCandidates())
		if err != nil {
			return nil, 0, err
		}
		return mic, mic.SampleRate(), nil
	}

	capturer := capture.New(openMic, capture.Config{
		VAD: vad.Config{
			ActivationThreshold:  cfg.ActivationThreshold,
			MaintenanceThreshold: cfg.MaintenanceThreshold,
			SilenceDebounce:      config.ParsedDuration(cfg.SilenceDebounce, 500*time.Millisecond),
			SilenceDuration:      config.ParsedDuration(cfg.SilenceDuration, 1500*time.Millisecond),
			FallbackCeiling:      config.ParsedDuration(cfg.FallbackCeiling, 15*time.Second),
		},
		OnSegment: func(seg capture.Segment) {
			if orch != nil {
				orch.OnSegment(seg)
			}
		},
		OnAbandoned: func() {
			if orch != nil {
				orch.OnCaptureAbandoned()
			}
		},
		Suppress: func() bool {
			return orch != nil && orch.Suppressed()
		},
	})

	var debriefer session.Debriefer
	if cfg.OpenAIAPIKey != "" {
		debriefer = debrief.NewCoach(cfg.OpenAIAPIKey, cfg.OpenAIModel, store)
	}

	dial := func(onMessage func(data []byte), onClosed func(err error)) (session.Sender, error) {
		return channel.Dial(ctx, channel.Config{
			URL:       cfg.BackendURL,
			OnMessage: onMessage,
			OnClosed:  onClosed,
		})
	}

	orch = session.New(session.Config{
		Persona:         cfg.Persona,
		Scenario:        cfg.Scenario,
		SettleDelay:     config.ParsedDuration(cfg.SettleDelay, time.Second),
		EndGrace:        config.ParsedDuration(cfg.EndGrace, 500*time.Millisecond),
		FreshnessWindow: config.ParsedDuration(cfg.FreshnessWindow, 5*time.Second),
		EventBuffer:     cfg.EventBuffer,
	}, session.Deps{
		Capturer:  capturer,
		Player:    streamer,
		Dial:      dial,
		Recorder:  store,
		Debriefer: debriefer,
	})

	hub := server.NewHub()
	go func() {
		err := server.Serve(cfg.ListenAddr, hub, store, server.ControlHooks{
			End: orch.End,
			Status: func() (string, bool, bool) {
				return orch.State().String(), orch.Waiting(), orch.Ending()
			},
		})
		if err != nil {
			log.Printf("warning: event feed server stopped: %v", err)
		}
	}()

	if cfg.GDriveFolderID != "" {
		uploader, err := gdrive.NewUploader(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if err != nil {
			log.Printf("warning: drive backup disabled: %v", err)
		} else {
			go runBackups(ctx, uploader, cfg.DBPath)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range orch.Events() {
			renderEvent(ev)
			hub.BroadcastSessionEvent(ev)
		}
	}()

	if err := orch.Start(); err != nil {
		log.Fatalf("conversation start failed: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	disconnected := make(chan struct{})
	go func() {
		for orch.State() != session.StateDisconnected {
			time.Sleep(200 * time.Millisecond)
		}
		close(disconnected)
	}()

	select {
	case <-sig:
		log.Println("parley: hanging up")
		orch.End()
	case <-disconnected:
	}

	cancel()
	orch.Cleanup()
	<-done
	log.Println("parley: goodbye")
}

// runBackups uploads the history database to Drive periodically, keyed by
// the UTC date so each day gets one backup file.
func runBackups(ctx context.Context, uploader *gdrive.Uploader, dbPath string) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			date := time.Now().UTC().Format("2006-01-02")
			if err := uploader.Backup(dbPath, date); err != nil {
				log.Printf("warning: drive backup failed: %v", err)
			}
		}
	}
}

func renderEvent(ev session.Event) {
	switch ev.Type {
	case session.EventStateChanged:
		log.Printf("[%s]", ev.State)
	case session.EventTranscript:
		log.Printf("%s: %s", ev.Speaker, ev.Text)
	case session.EventCounterpartText:
		log.Printf("%s (text): %s", ev.Speaker, ev.Text)
	case session.EventPersona:
		log.Printf("talking to %s: %s", ev.Persona, ev.Scenario)
	case session.EventAnalysis:
		log.Printf("analysis:\n%s", ev.Analysis)
	case session.EventSegmentSent:
		log.Printf("(sent, waiting for reply)")
	case session.EventPlaybackStarted:
		log.Printf("(reply playing)")
	case session.EventPlaybackEnded:
		log.Printf("(your turn)")
	case session.EventError:
		log.Printf("error: %s", ev.Error)
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/JeffreyUrban/CaptionA.cc-sub002/caption"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *caption.Config
	Store      *caption.Store
	Session    *caption.Session
	Hub        *caption.Hub
	Publisher  *caption.Publisher
	MQTTClient *caption.MQTTClient
	Extractor  *caption.Extractor

	// CLI Flags (effectively dependencies)
	ConfigFile string
	DBPath     string
	VideoID    string
	OutputFile string
	Format     string
	FrameIdx   int
	HttpPort   int
	MqttMode   bool
	HttpMode   bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Extractor: caption.NewExtractor(0),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DBPath = opts.DBPath
	a.VideoID = opts.VideoID
	a.OutputFile = opts.OutputFile
	a.Format = opts.Format
	a.FrameIdx = opts.FrameIdx
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// openStore loads the config and opens the database, honoring the --db
// override. One-shot modes and the service both start here.
func (a *App) openStore() {
	config, err := caption.LoadConfig(a.ConfigFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v (looked at %s)", err, a.ConfigFile)
	}
	a.Config = config
	log.Printf("Loaded config from %s", a.ConfigFile)

	dbPath := a.DBPath
	if dbPath == "" {
		dbPath = config.DBPath
	}
	store, err := caption.NewStore(dbPath)
	if err != nil {
		log.Fatalf("Failed to open store %s: %v", dbPath, err)
	}
	a.Store = store
	log.Printf("Opened store %s", dbPath)
}

// videoIDs returns the videos a mode operates on: the --video flag if set,
// otherwise every configured video.
func (a *App) videoIDs() []string {
	if a.VideoID != "" {
		return []string{a.VideoID}
	}
	ids := make([]string, 0, len(a.Config.Videos))
	for _, vc := range a.Config.Videos {
		ids = append(ids, vc.ID)
	}
	return ids
}

// boxImportFile is the detector export format: one video's boxes grouped by
// frame, with an optional layout describing the frame geometry.
type boxImportFile struct {
	VideoID string                `json:"videoId"`
	Layout  *caption.LayoutConfig `json:"layout,omitempty"`
	Frames  []struct {
		FrameIdx int              `json:"frameIdx"`
		Boxes    []caption.BoxRef `json:"boxes"`
	} `json:"frames"`
}

// RunImport loads a detector JSON export into the store
func (a *App) RunImport(path string) {
	a.openStore()
	defer a.Store.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Error reading import file: %v", err)
	}

	var file boxImportFile
	if err := json.Unmarshal(data, &file); err != nil {
		log.Fatalf("Error parsing import file: %v", err)
	}
	if file.VideoID == "" {
		log.Fatal("Import file missing videoId")
	}

	if file.Layout != nil {
		file.Layout.VideoID = file.VideoID
		if err := a.Store.SaveLayoutConfig(file.Layout); err != nil {
			log.Fatalf("Error storing layout: %v", err)
		}
		fmt.Printf("Stored layout for %s (%gx%g)\n",
			file.VideoID, file.Layout.FrameWidth, file.Layout.FrameHeight)
	}

	total := 0
	for _, frame := range file.Frames {
		boxes := frame.Boxes
		for i := range boxes {
			boxes[i].VideoID = file.VideoID
			boxes[i].FrameIdx = frame.FrameIdx
		}
		ids, err := a.Store.ImportBoxes(file.VideoID, boxes)
		if err != nil {
			log.Fatalf("Error importing frame %d: %v", frame.FrameIdx, err)
		}
		total += len(ids)
	}

	fmt.Printf("Imported %d boxes across %d frames for %s\n", total, len(file.Frames), file.VideoID)
	fmt.Println("Run --score to predict them, then annotate over MQTT")
}

// RunInitSeed writes a position-prior seed model for each video
func (a *App) RunInitSeed() {
	a.openStore()
	defer a.Store.Close()

	session := caption.NewSession(a.Config.Engine, a.Store, a.Extractor)
	for _, id := range a.videoIDs() {
		seed, err := session.Trainer().InitializeSeedModel(id)
		if err != nil {
			log.Fatalf("Error seeding model for %s: %v", id, err)
		}
		fmt.Printf("%s: seed model %s\n", id, seed.Version)
	}
}

// RunTrainOnce trains each video's model from its stored annotations
func (a *App) RunTrainOnce() {
	a.openStore()
	defer a.Store.Close()

	session := caption.NewSession(a.Config.Engine, a.Store, a.Extractor)
	for _, id := range a.videoIDs() {
		model, err := session.Trainer().Train(id)
		if err != nil {
			var ide *caption.InsufficientDataError
			if errors.As(err, &ide) {
				fmt.Printf("%s: insufficient data (%d of %d annotations)\n", id, ide.Total, ide.Required)
				continue
			}
			log.Fatalf("Error training %s: %v", id, err)
		}

		fmt.Printf("=== %s ===\n", id)
		fmt.Printf("Model: %s\n", model.Version)
		fmt.Printf("Samples: %d (in: %d, out: %d)\n",
			model.TrainingSamples, model.InCount, model.OutCount)
		if model.DegradedInverse {
			fmt.Printf("Covariance inverse degraded: %s\n", model.DegradedReason)
		}

		if len(model.Importance) > 0 {
			ranked := make([]caption.FisherScore, len(model.Importance))
			copy(ranked, model.Importance)
			sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

			fmt.Println("Top features:")
			for i, fs := range ranked {
				if i >= 5 {
					break
				}
				fmt.Printf("  %-20s %.3f\n", fs.Name, fs.Weight)
			}
		}
		fmt.Println()
	}
}

// RunScore predicts every stored box under each video's current model
func (a *App) RunScore() {
	a.openStore()
	defer a.Store.Close()

	session := caption.NewSession(a.Config.Engine, a.Store, a.Extractor)
	for _, id := range a.videoIDs() {
		n, err := session.ScoreVideo(context.Background(), id)
		if err != nil {
			log.Fatalf("Error scoring %s: %v", id, err)
		}
		fmt.Printf("%s: scored %d boxes\n", id, n)
	}
}

// RunRender writes one frame's prediction overlay to disk
func (a *App) RunRender() {
	if a.VideoID == "" {
		log.Fatal("--render requires --video=ID")
	}

	a.openStore()
	defer a.Store.Close()

	boxes, err := a.Store.LoadFramePredictions(a.VideoID, a.FrameIdx)
	if err != nil {
		log.Fatalf("Error loading frame %d: %v", a.FrameIdx, err)
	}
	if len(boxes) == 0 {
		log.Fatalf("No boxes stored for %s frame %d", a.VideoID, a.FrameIdx)
	}

	layout, err := a.Store.LoadLayoutConfig(a.VideoID)
	if err != nil {
		log.Fatalf("Error loading layout: %v", err)
	}
	annotations, err := a.Store.LoadAnnotations(a.VideoID)
	if err != nil {
		log.Fatalf("Error loading annotations: %v", err)
	}

	renderer := caption.NewOverlayRenderer(layout, boxes, annotations)

	output := a.OutputFile
	if a.Format == "vector" && output == "overlay.png" {
		output = "overlay.svg"
	}

	out, err := os.Create(output)
	if err != nil {
		log.Fatalf("Error creating %s: %v", output, err)
	}
	defer out.Close()

	switch a.Format {
	case "vector":
		err = renderer.RenderToSVG(out)
	default:
		err = renderer.WritePNG(out)
	}
	if err != nil {
		log.Fatalf("Error rendering overlay: %v", err)
	}

	fmt.Printf("Created: %s (frame %d, %d boxes)\n", output, a.FrameIdx, len(boxes))
}

// RunService starts the combined MQTT and/or HTTP service
func (a *App) RunService() {
	fmt.Println("Starting captiona service...")

	// 1. Load config and open the store
	a.openStore()
	config := a.Config
	store := a.Store

	// 2. Seed layouts from config where the store has none. A stored layout
	// wins: it may carry band edits made after the config was written.
	for _, vc := range config.Videos {
		if vc.Layout == nil {
			continue
		}
		existing, err := store.LoadLayoutConfig(vc.ID)
		if err != nil {
			log.Fatalf("Failed to load layout for %s: %v", vc.ID, err)
		}
		if existing != nil {
			continue
		}
		layout := *vc.Layout
		layout.VideoID = vc.ID
		if err := store.SaveLayoutConfig(&layout); err != nil {
			log.Fatalf("Failed to store layout for %s: %v", vc.ID, err)
		}
		log.Printf("Stored layout for %s from config", vc.ID)
	}

	// 3. Start the WebSocket hub; it broadcasts model and recalc events
	hub := caption.NewHub()
	go hub.Start()
	a.Hub = hub

	notifiers := []caption.SessionNotifier{hub}

	// 4. Start MQTT if enabled
	if a.MqttMode {
		// Annotation events dispatch into the session. The session field is
		// assigned before the async broker connect can deliver anything, but
		// guard anyway.
		annotationHandler := func(videoID string, rawPayload []byte, event *caption.AnnotationEvent, err error) {
			if err != nil {
				log.Printf("Error receiving annotation for %s: %v (%d bytes)", videoID, err, len(rawPayload))
				return
			}
			if a.Session == nil {
				log.Printf("Dropping annotation for %s: session not ready", videoID)
				return
			}

			switch event.Action {
			case caption.ActionDelete:
				if err := a.Session.OnAnnotationRemoved(videoID, event.BoxID); err != nil {
					log.Printf("Error removing annotation for %s box %d: %v", videoID, event.BoxID, err)
				}
			default:
				ann := caption.Annotation{
					VideoID: videoID,
					BoxID:   event.BoxID,
					Label:   event.Label,
					Source:  event.Source,
				}
				if err := a.Session.OnAnnotation(context.Background(), ann); err != nil {
					log.Printf("Error handling annotation for %s box %d: %v", videoID, event.BoxID, err)
				}
			}
		}

		mqttClient, err := caption.InitMQTT(config, annotationHandler)
		if err != nil {
			log.Fatalf("Failed to initialize MQTT: %v", err)
		}
		a.MQTTClient = mqttClient

		if mqttClient == nil {
			log.Fatal("MQTT broker not configured in config.yaml")
		}

		// Initialize publisher now that we have MQTT client
		a.Publisher = caption.NewPublisher(mqttClient.GetClient())
		notifiers = append(notifiers, a.Publisher)
		fmt.Println("MQTT model publisher initialized")
	}

	// 5. Wire the session over the store
	a.Session = caption.NewSession(config.Engine, store, a.Extractor, notifiers...)

	if a.MQTTClient != nil {
		// "rescore" on a video's command topic runs a full prediction pass.
		// Paho delivers each message on its own goroutine, so blocking here
		// only serializes against other session work.
		a.MQTTClient.SetRescoreHandler(func(videoID string) {
			n, err := a.Session.ScoreVideo(context.Background(), videoID)
			if err != nil {
				log.Printf("Error re-scoring %s: %v", videoID, err)
				return
			}
			log.Printf("Re-scored %d boxes for %s", n, videoID)
		})
	}

	// 6. Ensure every configured video has a model to classify with
	for _, vc := range config.Videos {
		model, err := store.LoadCurrentModel(vc.ID)
		if err != nil {
			log.Fatalf("Failed to load model for %s: %v", vc.ID, err)
		}
		if model == nil {
			seed, err := a.Session.Trainer().InitializeSeedModel(vc.ID)
			if err != nil {
				log.Fatalf("Failed to seed model for %s: %v", vc.ID, err)
			}
			log.Printf("Initialized seed model %s for %s", seed.Version, vc.ID)
		}
	}

	// 7. Start HTTP server if enabled
	if a.HttpMode {
		httpServer := newHTTPServer(a.Session, store, config, hub)
		go func() {
			addr := fmt.Sprintf("0.0.0.0:%d", a.HttpPort)
			log.Printf("[HTTP] Starting server on %s", addr)
			if err := http.ListenAndServe(addr, httpServer); err != nil {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	// 8. Print service info
	fmt.Println("\nService Running")
	fmt.Println("===============")

	if a.MqttMode {
		prefix := config.MQTT.PublishPrefix
		if prefix == "" {
			prefix = "captiona"
		}
		fmt.Println("\nMQTT:")
		fmt.Println("  Subscribed topics:")
		for _, vc := range config.Videos {
			fmt.Printf("    - %s\n", caption.AnnotationTopic(prefix, vc.ID))
		}
		fmt.Printf("  Publishing models to: %s/{videoID}/model\n", prefix)
		fmt.Printf("  Combined models: %s/models\n", prefix)
		fmt.Printf("  Recalculation progress: %s/{videoID}/recalc\n", prefix)
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET /health           - Health check")
		fmt.Println("  GET /status           - Session status per video")
		fmt.Println("  GET /model            - Current model snapshot")
		fmt.Println("  GET /model/importance - Feature importance ranking")
		fmt.Println("  GET /model/history    - Recent model versions")
		fmt.Println("  GET /overlay.png      - Prediction overlay for one frame")
		fmt.Println("  GET /overlay.svg      - Vector prediction overlay")
		fmt.Println("  GET /ws               - WebSocket event stream")
	}

	fmt.Println("\nPress Ctrl+C to stop")

	// 9. Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	fmt.Println("\nShutting down service...")
	hub.Stop()
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if err := store.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}
	fmt.Println("Service stopped")
}

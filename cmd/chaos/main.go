package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"librarycheckout/internal/chaos"
	"librarycheckout/internal/circulation"
	"librarycheckout/internal/clients"
	"librarycheckout/internal/logger"
)

func main() {
	baseURL := flag.String("url", getEnv("CIRCULATION_SERVICE_URL", "http://localhost:8082"), "circulation service base URL")
	concurrency := flag.Int("concurrency", 50, "simultaneous requests per burst")
	observe := flag.Duration("observe", 5*time.Second, "how long to sample probes after each burst")
	flag.Parse()

	zlog, err := logger.New("chaos", getEnv("LOG_LEVEL", "info"))
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	cat := clients.NewCatalogClient(*baseURL, httpClient)
	circ := clients.NewCirculationClient(*baseURL, httpClient)

	// fresh items keep the experiments independent of existing loans
	var items [2]circulation.ItemID
	for i, title := range []string{"Chaos Copy A", "Chaos Copy B"} {
		item, err := cat.AddItem(ctx, "chaos-"+time.Now().Format("20060102150405.000")+"-"+title, title, "Game Day")
		if err != nil {
			zlog.Fatal("create chaos item", zap.Error(err))
		}
		items[i] = circulation.ItemID{UUID: item.ID}
	}

	engine := chaos.NewEngine(zlog, time.Second)
	engine.RegisterCirculationExperiments(circ, items[0], items[1], chaos.ExperimentOptions{
		Concurrency: *concurrency,
		Observe:     *observe,
	})

	if _, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Circulation Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     time.Second,
	}); err != nil {
		zlog.Fatal("game day failed", zap.Error(err))
	}
	zlog.Info("game day passed")
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

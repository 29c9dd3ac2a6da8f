package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/annel0/spatial-core/internal/eventbus"
	"github.com/gorilla/websocket"
)

const (
	defaultServerAddr = "localhost:8088"
	timeFormat        = "15:04:05"
)

func main() {
	var (
		serverAddr = flag.String("server", defaultServerAddr, "REST server address")
		command    = flag.String("cmd", "tail", "Command: tail, stats, maps")
		mapID      = flag.Uint64("map", 1, "Map ID")
		eventTypes = flag.String("types", "", "Event types filter (comma-separated)")
		limit      = flag.Int("limit", 100, "Maximum number of events")
		follow     = flag.Bool("follow", false, "Follow new events (like tail -f)")
	)
	flag.Parse()

	var err error
	switch *command {
	case "tail":
		err = tailEvents(*serverAddr, &TailOptions{
			MapID:      *mapID,
			EventTypes: parseStringList(*eventTypes),
			Limit:      *limit,
			Follow:     *follow,
		})
	case "stats":
		err = showJSON(fmt.Sprintf("http://%s/api/maps/%d/stats", *serverAddr, *mapID))
	case "maps":
		err = showJSON(fmt.Sprintf("http://%s/api/maps", *serverAddr))
	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: tail, stats, maps")
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("❌ %s failed: %v", *command, err)
	}
}

type TailOptions struct {
	MapID      uint64
	EventTypes []string
	Limit      int
	Follow     bool
}

// tailEvents читает ленту событий карты через websocket
func tailEvents(addr string, opts *TailOptions) error {
	q := url.Values{}
	for _, t := range opts.EventTypes {
		q.Add("type", t)
	}
	u := url.URL{
		Scheme:   "ws",
		Host:     addr,
		Path:     fmt.Sprintf("/api/maps/%d/events", opts.MapID),
		RawQuery: q.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", u.String(), err)
	}
	defer conn.Close()

	fmt.Printf("🎬 Tailing map %d events (limit: %d, follow: %v)\n", opts.MapID, opts.Limit, opts.Follow)

	eventCount := 0
	for opts.Follow || eventCount < opts.Limit {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				break
			}
			return fmt.Errorf("stream error: %w", err)
		}

		var env eventbus.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			fmt.Printf("⚠️  Malformed event: %v\n", err)
			continue
		}
		printEvent(&env)
		eventCount++
	}

	fmt.Printf("\n📊 Total events: %d\n", eventCount)
	return nil
}

// showJSON выводит ответ REST API с отступами
func showJSON(endpoint string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %v", resp.Status, body["message"])
	}

	out, err := json.MarshalIndent(body["data"], "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// printEvent выводит событие в читаемом формате
func printEvent(env *eventbus.Envelope) {
	fmt.Printf("[%s] map %d/%s [%s] %s\n",
		env.Timestamp.Local().Format(timeFormat),
		env.MapID,
		env.Source,
		env.EventType,
		env.ID)

	switch env.EventType {
	case eventbus.TypeObjectInserted, eventbus.TypeObjectDeleted:
		ev, err := eventbus.DecodeObjectEvent(env)
		if err != nil {
			fmt.Printf("  ⚠️  %v\n", err)
			return
		}
		fmt.Printf("  Object %d %s %q at (%d,%d,%d) chunk %d filled_changed=%v\n",
			ev.ObjectID, ev.Category, ev.KnowledgeRef,
			ev.Position.X, ev.Position.Y, ev.Position.Z,
			ev.ChunkID, ev.Changed)
	}
}

// parseStringList парсит строку с разделителями-запятыми
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// transcriptviewer tails the transcript topics and fans each event out to
// websocket watchers, so a turn can be followed live next to the audioclient.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
)

// transcriptEvent covers both partial and final payloads.
type transcriptEvent struct {
	EventType  string `json:"eventType"`
	SessionID  string `json:"sessionId"`
	TurnID     string `json:"turnId"`
	Timestamp  int64  `json:"timestamp"`
	Text       string `json:"text"`
	Provider   string `json:"provider,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

type watchers struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]chan transcriptEvent
}

func (w *watchers) add(c *websocket.Conn) chan transcriptEvent {
	ch := make(chan transcriptEvent, 64)
	w.mu.Lock()
	w.conns[c] = ch
	n := len(w.conns)
	w.mu.Unlock()
	log.Printf("Watcher connected. Total: %d", n)
	return ch
}

func (w *watchers) remove(c *websocket.Conn) {
	w.mu.Lock()
	if ch, ok := w.conns[c]; ok {
		delete(w.conns, c)
		close(ch)
	}
	n := len(w.conns)
	w.mu.Unlock()
	log.Printf("Watcher disconnected. Total: %d", n)
}

// broadcast never blocks on a slow watcher; its event is dropped instead.
func (w *watchers) broadcast(ev transcriptEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.conns {
		select {
		case ch <- ev:
		default:
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func watchHandler(w *watchers) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade error: %v", err)
			return
		}
		ch := w.add(conn)

		go func() {
			defer conn.Close()
			for ev := range ch {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}()

		// Reads only detect the close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		w.remove(conn)
	}
}

func tail(ctx context.Context, w *watchers, brokers []string, topic, session string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, time.Now().Add(-time.Hour)); err != nil {
		log.Printf("Could not rewind %s: %v", topic, err)
	}
	log.Printf("Tailing %s (last hour)", topic)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Kafka read error on %s: %v", topic, err)
			time.Sleep(time.Second)
			continue
		}

		var ev transcriptEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			log.Printf("Skipping malformed event on %s: %v", topic, err)
			continue
		}
		if session != "" && ev.SessionID != session {
			continue
		}

		log.Printf("%s %s: %s", ev.EventType, ev.TurnID, truncate(ev.Text, 60))
		w.broadcast(ev)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func main() {
	addr := flag.String("addr", ":8081", "Watcher websocket address")
	brokers := flag.String("brokers", "localhost:9092", "Comma-separated Kafka brokers")
	topicPartial := flag.String("topic-partial", "voice.transcript.partial", "Partial transcript topic")
	topicFinal := flag.String("topic-final", "voice.transcript.final", "Final transcript topic")
	session := flag.String("session", "", "Only show this session")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := &watchers{conns: make(map[*websocket.Conn]chan transcriptEvent)}
	list := strings.Split(*brokers, ",")
	go tail(ctx, w, list, *topicPartial, *session)
	go tail(ctx, w, list, *topicFinal, *session)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", watchHandler(w))
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Transcript viewer on %s, topics %s and %s", *addr, *topicPartial, *topicFinal)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}

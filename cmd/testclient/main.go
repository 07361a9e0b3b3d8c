package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"ai-voice-pipeline-service/internal/models"
)

// testclient plays the chat orchestrator: it publishes one reply for a
// session onto the reply topic.
func main() {
	brokers := flag.String("brokers", "localhost:9092", "Comma-separated Kafka brokers")
	topic := flag.String("topic", "voice.reply", "Reply topic")
	sessionID := flag.String("session", "", "Session ID (required)")
	turnID := flag.String("turn", "", "Turn ID the reply answers")
	text := flag.String("text", "We have three electric models in stock. Would you like to book a test drive?", "Reply text")
	priority := flag.String("priority", models.PriorityNormal, "normal or high")
	flag.Parse()

	if *sessionID == "" {
		log.Fatal("-session is required")
	}

	reply := models.Reply{
		EventType: models.EventTypeReply,
		SessionID: *sessionID,
		TurnID:    *turnID,
		Timestamp: time.Now().UnixMilli(),
		Text:      *text,
		Priority:  *priority,
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		log.Fatalf("failed to marshal reply: %v", err)
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(*brokers, ",")...),
		Topic:        *topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(reply.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(reply.EventType)},
		},
	})
	if err != nil {
		log.Fatalf("failed to publish reply: %v", err)
	}
	log.Printf("Published reply: sessionId=%s turnId=%s topic=%s", reply.SessionID, reply.TurnID, *topic)
}

package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// Stream audio in 100ms chunks to simulate a live microphone
const chunkIntervalMs = 100

type message struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	Message    string          `json:"message,omitempty"`
	SampleRate int             `json:"sampleRate,omitempty"`
	Channels   int             `json:"channels,omitempty"`
	Microphone bool            `json:"microphone,omitempty"`
	Synthesis  bool            `json:"speechSynthesis,omitempty"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
	Utterance  *struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"utterance,omitempty"`
}

type snapshot struct {
	State      string `json:"state"`
	TurnID     string `json:"turnId"`
	Interim    string `json:"interim"`
	Transcript string `json:"transcript"`
	Error      string `json:"error"`
}

// client plays the browser: it grants the microphone with a WAV file and
// acknowledges speech as if it had been played.
type client struct {
	conn *websocket.Conn
	wmu  sync.Mutex

	pcm        []byte
	sampleRate int
	speakDelay time.Duration

	stopMic chan struct{}
	micOnce sync.Once
}

func (c *client) write(v any) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		log.Printf("write failed: %v", err)
	}
}

func (c *client) stream() {
	bytesPerChunk := c.sampleRate * 2 * chunkIntervalMs / 1000
	ticker := time.NewTicker(chunkIntervalMs * time.Millisecond)
	defer ticker.Stop()

	for off := 0; off < len(c.pcm); off += bytesPerChunk {
		select {
		case <-c.stopMic:
			log.Printf("Microphone closed after %d bytes", off)
			return
		case <-ticker.C:
		}
		end := off + bytesPerChunk
		if end > len(c.pcm) {
			end = len(c.pcm)
		}
		c.wmu.Lock()
		err := c.conn.WriteMessage(websocket.BinaryMessage, c.pcm[off:end])
		c.wmu.Unlock()
		if err != nil {
			log.Printf("audio write failed: %v", err)
			return
		}
	}

	// Keep the line open with silence until the server closes the microphone.
	silence := make([]byte, bytesPerChunk)
	for {
		select {
		case <-c.stopMic:
			return
		case <-ticker.C:
			c.wmu.Lock()
			err := c.conn.WriteMessage(websocket.BinaryMessage, silence)
			c.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func main() {
	audioFile := flag.String("audio", "../../testdata/sample-16khz.wav", "Path to WAV file (16-bit mono PCM)")
	serverAddr := flag.String("server", "localhost:8080", "HTTP server address")
	sessionID := flag.String("session", "test-audio-"+time.Now().Format("150405"), "Session ID")
	speakDelay := flag.Duration("speak-delay", 2*time.Second, "Simulated playback time per utterance")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])
	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)
	if audioFormat != 1 || bitsPerSample != 16 || numChannels != 1 {
		log.Fatal("Only 16-bit mono PCM supported")
	}

	pcm, err := io.ReadAll(f)
	if err != nil {
		log.Fatalf("Failed to read audio: %v", err)
	}

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/v1/voice", RawQuery: "sessionId=" + url.QueryEscape(*sessionID)}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("Connected to %s", u.String())

	c := &client{
		conn:       conn,
		pcm:        pcm,
		sampleRate: int(sampleRate),
		speakDelay: *speakDelay,
		stopMic:    make(chan struct{}),
	}
	c.write(message{Type: "hello", Microphone: true, Synthesis: true, SampleRate: int(sampleRate)})

	spoke := false
	for {
		var m message
		if err := conn.ReadJSON(&m); err != nil {
			log.Printf("Connection closed: %v", err)
			return
		}

		switch m.Type {
		case "session":
			log.Printf("Session %s opened, starting a turn", m.SessionID)
			c.write(message{Type: "toggle"})
		case "state":
			var s snapshot
			_ = json.Unmarshal(m.Snapshot, &s)
			log.Printf("state=%s turn=%s interim=%q transcript=%q error=%q", s.State, s.TurnID, s.Interim, s.Transcript, s.Error)
			if s.State == "idle" && (spoke || s.Error != "") {
				c.write(message{Type: "bye"})
				return
			}
		case "mic.open":
			c.write(message{Type: "mic.opened", SampleRate: c.sampleRate, Channels: 1})
			go c.stream()
		case "mic.close":
			c.micOnce.Do(func() { close(c.stopMic) })
		case "speak":
			if m.Utterance == nil {
				continue
			}
			spoke = true
			log.Printf("Speaking: %s", m.Utterance.Text)
			id := m.Utterance.ID
			time.AfterFunc(c.speakDelay, func() { c.write(message{Type: "utterance.end", ID: id}) })
		case "error":
			log.Printf("Server error: %s", m.Message)
		}
	}
}

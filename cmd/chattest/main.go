// Package main provides a load testing tool for the chatsync event stream.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"marketsync/internal/realtime"
)

// Metrics tracks the test results
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	ControlFramesSent    int64
	TypingPosted         int64
	EventsReceived       int64
	EventsUndecodable    int64
	Errors               int64

	mu     sync.Mutex
	byType map[realtime.EventType]int64
}

func (m *Metrics) countEvent(t realtime.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byType == nil {
		m.byType = make(map[realtime.EventType]int64)
	}
	m.byType[t]++
}

var metrics Metrics

func main() {
	host := flag.String("host", "localhost:8390", "chatsync status server host")
	conversations := flag.String("conversations", "", "Comma separated conversation IDs to filter on; empty receives everything")
	clients := flag.Int("clients", 50, "Number of concurrent subscribers")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	typing := flag.Bool("typing", false, "Post typing updates for the first conversation while running")
	flag.Parse()

	ids := strings.FieldsFunc(*conversations, func(r rune) bool { return r == ',' })

	log.Printf("🚀 Starting event stream load test")
	log.Printf("Target: %s", *host)
	log.Printf("Clients: %d", *clients)
	log.Printf("Duration: %v", *duration)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	stopChan := make(chan struct{})

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go runClient(*host, ids, i, stopChan, &wg)
		time.Sleep(20 * time.Millisecond)
	}

	if *typing && len(ids) > 0 {
		wg.Add(1)
		go postTyping(*host, ids[0], stopChan, &wg)
	}

	select {
	case <-time.After(*duration):
		log.Println("⏱️  Test duration reached")
	case <-interrupt:
		log.Println("🛑 Interrupted by user")
	}

	close(stopChan)
	log.Println("Waiting for clients to disconnect...")
	wg.Wait()

	printMetrics()
}

func runClient(host string, ids []string, id int, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	atomic.AddInt64(&metrics.ConnectionsAttempted, 1)

	u := url.URL{Scheme: "ws", Host: host, Path: "/ws/events"}
	if len(ids) > 0 {
		u.RawQuery = url.Values{"conversation_id": {strings.Join(ids, ",")}}.Encode()
	}

	c, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = c.Close() }()

	atomic.AddInt64(&metrics.ConnectionsSuccess, 1)

	go func() {
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			ev, err := realtime.UnmarshalEvent(data)
			if err != nil {
				atomic.AddInt64(&metrics.EventsUndecodable, 1)
				continue
			}
			atomic.AddInt64(&metrics.EventsReceived, 1)
			metrics.countEvent(ev.Type())
		}
	}()

	// Subscribers toggle an extra filter so the control path sees traffic too.
	extra := fmt.Sprintf("loadtest-%d", id)
	subscribed := false
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			frameType := "subscribe"
			if subscribed {
				frameType = "unsubscribe"
			}
			subscribed = !subscribed
			frame, _ := json.Marshal(map[string]any{
				"type": frameType,
				"data": map[string]string{"conversation_id": extra},
			})
			if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				return
			}
			atomic.AddInt64(&metrics.ControlFramesSent, 1)
		}
	}
}

func postTyping(host, conversationID string, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	target := fmt.Sprintf("http://%s/conversations/%s/typing", host, url.PathEscape(conversationID))

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	typing := true
	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			body, _ := json.Marshal(map[string]bool{"is_typing": typing})
			typing = !typing
			resp, err := client.Post(target, "application/json", bytes.NewReader(body))
			if err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				continue
			}
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				atomic.AddInt64(&metrics.Errors, 1)
				continue
			}
			atomic.AddInt64(&metrics.TypingPosted, 1)
		}
	}
}

func printMetrics() {
	fmt.Println("\n📊 Test Results")
	fmt.Println("================")
	fmt.Printf("Connections attempted: %d\n", atomic.LoadInt64(&metrics.ConnectionsAttempted))
	fmt.Printf("Connections succeeded: %d\n", atomic.LoadInt64(&metrics.ConnectionsSuccess))
	fmt.Printf("Connections failed:    %d\n", atomic.LoadInt64(&metrics.ConnectionsFailed))
	fmt.Printf("Control frames sent:   %d\n", atomic.LoadInt64(&metrics.ControlFramesSent))
	fmt.Printf("Typing updates posted: %d\n", atomic.LoadInt64(&metrics.TypingPosted))
	fmt.Printf("Events received:       %d\n", atomic.LoadInt64(&metrics.EventsReceived))
	fmt.Printf("Undecodable frames:    %d\n", atomic.LoadInt64(&metrics.EventsUndecodable))
	fmt.Printf("Errors:                %d\n", atomic.LoadInt64(&metrics.Errors))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	for t, n := range metrics.byType {
		fmt.Printf("  %-24s %d\n", t, n)
	}
}

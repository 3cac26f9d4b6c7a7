package monitor

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHubPublishNoClients(t *testing.T) {

	hub := NewHub(nil)
	defer hub.Close()

	// publishing with nobody connected must not block or panic
	hub.Publish("epoch", map[string]int{"epoch": 1})

	if hub.Clients() != 0 {
		t.Errorf("expected no clients, got %d", hub.Clients())
	}
}

func TestHubDelivery(t *testing.T) {

	hub := NewHub(nil)
	defer hub.Close()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)

	if err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}

	defer conn.Close()

	// registration happens in the upgrade handler, wait for it
	deadline := time.Now().Add(2 * time.Second)

	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if hub.Clients() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.Clients())
	}

	hub.Publish("epoch", map[string]float64{"val_acc": 0.75})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, data, err := conn.ReadMessage()

	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}

	var ev struct {
		Type    string `json:"type"`
		Payload struct {
			ValAcc float64 `json:"val_acc"`
		} `json:"payload"`
	}

	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}

	if ev.Type != "epoch" || ev.Payload.ValAcc != 0.75 {
		t.Errorf("unexpected event: %s", data)
	}
}

func TestHubCloseIdempotent(t *testing.T) {

	hub := NewHub(nil)

	hub.Close()
	hub.Close()

	// a closed hub drops publishes silently
	hub.Publish("epoch", nil)
}

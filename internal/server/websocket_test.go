package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bobmcallan/fhegate/internal/common"
	"github.com/bobmcallan/fhegate/internal/models"
)

func dialHub(t *testing.T, hub *TaskWSHub, query string) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.TaskEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var event models.TaskEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return event
}

func TestHubSnapshotOnConnect(t *testing.T) {
	hub := NewTaskWSHub(common.NewSilentLogger(), func(ctx context.Context) []*models.StatusReport {
		return []*models.StatusReport{
			{TaskID: "t-1", UID: "u-1", Status: models.StatusQueued},
			{TaskID: "t-2", UID: "u-2", Status: models.StatusStarted},
		}
	})
	t.Cleanup(hub.Stop)

	conn := dialHub(t, hub, "")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		event := readEvent(t, conn)
		if event.Type != "task_snapshot" {
			t.Fatalf("event type = %q", event.Type)
		}
		seen[event.Report.TaskID] = true
	}
	if !seen["t-1"] || !seen["t-2"] {
		t.Errorf("snapshot incomplete: %v", seen)
	}
}

func TestHubUIDFilter(t *testing.T) {
	hub := NewTaskWSHub(common.NewSilentLogger(), func(ctx context.Context) []*models.StatusReport {
		return []*models.StatusReport{
			{TaskID: "t-mine", UID: "u-mine", Status: models.StatusQueued},
			{TaskID: "t-other", UID: "u-other", Status: models.StatusQueued},
		}
	})
	t.Cleanup(hub.Stop)

	conn := dialHub(t, hub, "?uid=u-mine")

	// Snapshot is filtered to the subscribed uid.
	event := readEvent(t, conn)
	if event.Report.TaskID != "t-mine" {
		t.Fatalf("snapshot leaked %q", event.Report.TaskID)
	}

	// Wait for registration to settle, then broadcast for both uids: only
	// the subscribed one arrives.
	waitForClients(t, hub, 1)
	hub.Broadcast(models.TaskEvent{
		Type:      "task_revoked",
		Report:    &models.StatusReport{TaskID: "t-other", UID: "u-other", Status: models.StatusRevoked},
		Timestamp: time.Now(),
	})
	hub.Broadcast(models.TaskEvent{
		Type:      "task_queued",
		Report:    &models.StatusReport{TaskID: "t-mine-2", UID: "u-mine", Status: models.StatusQueued},
		Timestamp: time.Now(),
	})

	event = readEvent(t, conn)
	if event.Report.TaskID != "t-mine-2" {
		t.Errorf("filter let through %q", event.Report.TaskID)
	}
}

func TestHubRetargetFilter(t *testing.T) {
	hub := NewTaskWSHub(common.NewSilentLogger(), nil)
	t.Cleanup(hub.Stop)

	conn := dialHub(t, hub, "?uid=u-old")
	waitForClients(t, hub, 1)

	// Retarget the subscription to a different uid.
	if err := conn.WriteJSON(map[string]string{"uid": "u-new"}); err != nil {
		t.Fatalf("write retarget: %v", err)
	}
	waitForFilter(t, hub, "u-new")

	hub.Broadcast(models.TaskEvent{
		Type:      "task_queued",
		Report:    &models.StatusReport{TaskID: "t-new", UID: "u-new", Status: models.StatusQueued},
		Timestamp: time.Now(),
	})

	event := readEvent(t, conn)
	if event.Report.TaskID != "t-new" {
		t.Errorf("retargeted filter missed %q", event.Report.TaskID)
	}
}

func TestHubStopClosesClients(t *testing.T) {
	hub := NewTaskWSHub(common.NewSilentLogger(), nil)

	conn := dialHub(t, hub, "")
	waitForClients(t, hub, 1)

	hub.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection survived hub stop")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("clients = %d", hub.ClientCount())
	}
}

// waitForClients blocks until the hub sees n clients.
func waitForClients(t *testing.T, hub *TaskWSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d clients", n)
}

// waitForFilter blocks until some client carries the given uid filter.
func waitForFilter(t *testing.T, hub *TaskWSHub, uid string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		found := false
		for client := range hub.clients {
			if client.uid == uid {
				found = true
			}
		}
		hub.mu.Unlock()
		if found {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no client adopted filter %q", uid)
}

package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RoomOpened()
	m.JoinRejected("FORBIDDEN")
	m.PersistenceAttempt(errors.New("boom"), time.Second)
	m.PersistenceDegraded(true)
	if m.Registry() != nil {
		t.Fatalf("expected nil registry for nil metrics")
	}
}

func TestCollectorsRecordValues(t *testing.T) {
	m := New()
	m.RoomOpened()
	m.RoomOpened()
	m.RoomClosed()
	m.JoinRejected("RATE_LIMITED")
	m.PersistenceAttempt(nil, 10*time.Millisecond)
	m.PersistenceAttempt(errors.New("down"), 10*time.Millisecond)
	m.PersistenceDegraded(true)

	if value := testutil.ToFloat64(m.activeRooms); value != 1 {
		t.Fatalf("expected one active room, got %v", value)
	}
	if value := testutil.ToFloat64(m.joinsRejected.WithLabelValues("RATE_LIMITED")); value != 1 {
		t.Fatalf("expected one rate limited rejection, got %v", value)
	}
	if value := testutil.ToFloat64(m.persistenceWrites.WithLabelValues("failure")); value != 1 {
		t.Fatalf("expected one failed write, got %v", value)
	}
	if value := testutil.ToFloat64(m.persistenceDegrade); value != 1 {
		t.Fatalf("expected degraded gauge to be set, got %v", value)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.UpdateBroadcast()
	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(recorder.Body)
	if !strings.Contains(string(body), "manuscript_relay_updates_broadcast_total 1") {
		t.Fatalf("expected broadcast counter in exposition, got:\n%s", body)
	}
}

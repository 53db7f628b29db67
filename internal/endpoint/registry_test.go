package endpoint

import (
	"errors"
	"testing"
	"time"
)

func testEndpoint(tech Tech, extension string, status Status) *Endpoint {
	return &Endpoint{
		Tech:      tech,
		Extension: extension,
		Status:    status,
	}
}

func TestRegistryUpsertAndGet(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Upsert(testEndpoint(TechPJSIP, "100", StatusIdle)); err != nil {
		t.Fatalf("Upsert() unexpected error: %v", err)
	}

	ep, err := reg.Get("PJSIP/100")
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if ep.Status != StatusIdle {
		t.Errorf("Status = %q, want %q", ep.Status, StatusIdle)
	}
	if ep.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}

	if _, err := reg.Get("PJSIP/999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(unknown) = %v, want ErrNotFound", err)
	}
}

func TestRegistryUpsertInvalid(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Upsert(&Endpoint{Tech: TechSIP}); !errors.Is(err, ErrInvalidEndpoint) {
		t.Errorf("Upsert() = %v, want ErrInvalidEndpoint", err)
	}
}

func TestRegistryUpsertKeepsAttributes(t *testing.T) {
	// A rediscovery after reconnect refreshes status but must not wipe
	// call attributes accumulated on a known endpoint.
	reg := NewRegistry()

	if err := reg.Upsert(testEndpoint(TechSIP, "100", StatusIdle)); err != nil {
		t.Fatalf("Upsert() unexpected error: %v", err)
	}
	if _, err := reg.UpdateDTMF("SIP/100", DTMF{Digit: "5", Direction: DTMFReceived, ReceivedAt: time.Now()}); err != nil {
		t.Fatalf("UpdateDTMF() unexpected error: %v", err)
	}

	if err := reg.Upsert(testEndpoint(TechSIP, "100", StatusInUse)); err != nil {
		t.Fatalf("second Upsert() unexpected error: %v", err)
	}

	ep, err := reg.Get("SIP/100")
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if ep.Status != StatusInUse {
		t.Errorf("Status = %q, want %q (stale status must be corrected)", ep.Status, StatusInUse)
	}
	if ep.LastDTMF == nil || ep.LastDTMF.Digit != "5" {
		t.Error("LastDTMF lost across rediscovery")
	}
	if reg.Count() != 1 {
		t.Errorf("Count() = %d, want 1", reg.Count())
	}
}

func TestRegistryUpsertClearsDeadCall(t *testing.T) {
	// A call that ended during an outage must not survive rediscovery:
	// an Idle refresh clears the channel and connected-line attributes
	// that would otherwise point at a dead channel.
	reg := NewRegistry()

	if err := reg.Upsert(testEndpoint(TechSIP, "100", StatusIdle)); err != nil {
		t.Fatalf("Upsert() unexpected error: %v", err)
	}
	if _, err := reg.UpdateCall("SIP/100", Call{Channel: "SIP/100-0001"}); err != nil {
		t.Fatalf("UpdateCall() unexpected error: %v", err)
	}
	if _, err := reg.UpdateConnectedLine("SIP/100", "Front Door", "300"); err != nil {
		t.Fatalf("UpdateConnectedLine() unexpected error: %v", err)
	}

	if err := reg.Upsert(testEndpoint(TechSIP, "100", StatusIdle)); err != nil {
		t.Fatalf("second Upsert() unexpected error: %v", err)
	}

	ep, err := reg.Get("SIP/100")
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if ep.ActiveCall != nil {
		t.Errorf("ActiveCall = %+v, want nil after idle refresh", ep.ActiveCall)
	}
	if ep.ConnectedLineName != "" || ep.ConnectedLineNum != "" {
		t.Errorf("connected line = %q/%q, want cleared", ep.ConnectedLineName, ep.ConnectedLineNum)
	}

	// A refresh that still shows a call in progress keeps the attributes.
	if _, err := reg.UpdateCall("SIP/100", Call{Channel: "SIP/100-0002"}); err != nil {
		t.Fatalf("UpdateCall() unexpected error: %v", err)
	}
	if err := reg.Upsert(testEndpoint(TechSIP, "100", StatusInUse)); err != nil {
		t.Fatalf("third Upsert() unexpected error: %v", err)
	}
	ep, _ = reg.Get("SIP/100")
	if ep.ActiveCall == nil || ep.ActiveCall.Channel != "SIP/100-0002" {
		t.Error("ActiveCall lost across an in-use refresh")
	}
}

func TestRegistrySnapshotIsolation(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Upsert(testEndpoint(TechSIP, "100", StatusIdle)); err != nil {
		t.Fatalf("Upsert() unexpected error: %v", err)
	}
	if _, err := reg.UpdateCall("SIP/100", Call{Channel: "SIP/100-0001"}); err != nil {
		t.Fatalf("UpdateCall() unexpected error: %v", err)
	}

	ep, _ := reg.Get("SIP/100")
	ep.Status = StatusUnavailable
	ep.ActiveCall.Channel = "mutated"

	fresh, _ := reg.Get("SIP/100")
	if fresh.Status != StatusIdle {
		t.Error("mutation of a snapshot leaked into the registry")
	}
	if fresh.ActiveCall.Channel != "SIP/100-0001" {
		t.Error("mutation of a snapshot's call leaked into the registry")
	}
}

func TestRegistryListOrdered(t *testing.T) {
	reg := NewRegistry()
	for _, ext := range []string{"300", "100", "200"} {
		if err := reg.Upsert(testEndpoint(TechPJSIP, ext, StatusIdle)); err != nil {
			t.Fatalf("Upsert() unexpected error: %v", err)
		}
	}

	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("List() = %d endpoints, want 3", len(list))
	}
	want := []string{"PJSIP/100", "PJSIP/200", "PJSIP/300"}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("List()[%d].ID = %q, want %q", i, list[i].ID, id)
		}
	}
}

func TestRegistryStatusTransitions(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Upsert(testEndpoint(TechSIP, "100", StatusIdle)); err != nil {
		t.Fatalf("Upsert() unexpected error: %v", err)
	}

	// Back-to-back transitions: the last write wins.
	if _, err := reg.UpdateStatus("SIP/100", StatusInUse); err != nil {
		t.Fatalf("UpdateStatus() unexpected error: %v", err)
	}
	if _, err := reg.UpdateStatus("SIP/100", StatusRinging); err != nil {
		t.Fatalf("UpdateStatus() unexpected error: %v", err)
	}

	ep, _ := reg.Get("SIP/100")
	if ep.Status != StatusRinging {
		t.Errorf("Status = %q, want %q", ep.Status, StatusRinging)
	}

	if _, err := reg.UpdateStatus("SIP/999", StatusIdle); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus(unknown) = %v, want ErrNotFound", err)
	}
}

func TestRegistryClearCall(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Upsert(testEndpoint(TechSIP, "100", StatusInUse)); err != nil {
		t.Fatalf("Upsert() unexpected error: %v", err)
	}
	if _, err := reg.UpdateCall("SIP/100", Call{Channel: "SIP/100-0001", CallerIDNum: "200"}); err != nil {
		t.Fatalf("UpdateCall() unexpected error: %v", err)
	}
	if _, err := reg.UpdateConnectedLine("SIP/100", "Alice", "200"); err != nil {
		t.Fatalf("UpdateConnectedLine() unexpected error: %v", err)
	}

	if _, err := reg.ClearCall("SIP/100", 16); err != nil {
		t.Fatalf("ClearCall() unexpected error: %v", err)
	}

	ep, _ := reg.Get("SIP/100")
	if ep.ActiveCall != nil {
		t.Error("ActiveCall not cleared on hangup")
	}
	if ep.ConnectedLineName != "" || ep.ConnectedLineNum != "" {
		t.Error("connected line not cleared on hangup")
	}
	if ep.LastHangupCause != 16 {
		t.Errorf("LastHangupCause = %d, want 16", ep.LastHangupCause)
	}
}

func TestRegistrySubscribers(t *testing.T) {
	reg := NewRegistry()

	var got []Endpoint
	reg.Subscribe(func(ep Endpoint) { got = append(got, ep) })

	if err := reg.Upsert(testEndpoint(TechSIP, "100", StatusIdle)); err != nil {
		t.Fatalf("Upsert() unexpected error: %v", err)
	}
	if _, err := reg.UpdateStatus("SIP/100", StatusRinging); err != nil {
		t.Fatalf("UpdateStatus() unexpected error: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("subscriber calls = %d, want 2", len(got))
	}
	if got[0].Status != StatusIdle || got[1].Status != StatusRinging {
		t.Errorf("subscriber order wrong: %q then %q", got[0].Status, got[1].Status)
	}
}

func TestRegistrySubscriberPanicIsolated(t *testing.T) {
	reg := NewRegistry()
	reg.Subscribe(func(Endpoint) { panic("bad subscriber") })

	var called bool
	reg.Subscribe(func(Endpoint) { called = true })

	if err := reg.Upsert(testEndpoint(TechSIP, "100", StatusIdle)); err != nil {
		t.Fatalf("Upsert() unexpected error: %v", err)
	}
	if !called {
		t.Error("panic in one subscriber starved the next")
	}
}

func TestRegistryGetStats(t *testing.T) {
	reg := NewRegistry()
	for ext, status := range map[string]Status{
		"100": StatusIdle,
		"101": StatusIdle,
		"102": StatusRinging,
	} {
		if err := reg.Upsert(testEndpoint(TechPJSIP, ext, status)); err != nil {
			t.Fatalf("Upsert() unexpected error: %v", err)
		}
	}

	stats := reg.GetStats()
	if stats.Endpoints != 3 {
		t.Errorf("Endpoints = %d, want 3", stats.Endpoints)
	}
	if stats.ByStatus[StatusIdle] != 2 {
		t.Errorf("ByStatus[idle] = %d, want 2", stats.ByStatus[StatusIdle])
	}
	if stats.LastMutation.IsZero() {
		t.Error("LastMutation not set")
	}
}

package rpc

import "testing"

func TestCapabilitySetDefaultsAllEnabled(t *testing.T) {
	cs := NewCapabilitySet()
	for _, cap := range []Capability{CapTopics, CapTelemetry, CapAttachments, CapMarkers, CapIdentity, CapPaper, CapCommands, CapVoiceSignaling} {
		if !cs.Has(cap) {
			t.Fatalf("expected %s enabled by default", cap)
		}
	}
}

func TestCapabilitySetSetTogglesState(t *testing.T) {
	cs := NewCapabilitySet()
	cs.Set(CapTopics, false)
	if cs.Has(CapTopics) {
		t.Fatalf("expected CapTopics disabled after Set(false)")
	}
	cs.Set(CapTopics, true)
	if !cs.Has(CapTopics) {
		t.Fatalf("expected CapTopics re-enabled after Set(true)")
	}
}

func TestRequireCapabilityUngatedMethodAlwaysAllowed(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.requireCapability("sdk_status_v2"); err != nil {
		t.Fatalf("expected an ungated method to have no capability requirement, got %v", err)
	}
}

func TestRequireCapabilityDisabledCapabilityRejected(t *testing.T) {
	d := newTestDaemon(t)
	d.capabilities.Set(CapTopics, false)
	err := d.requireCapability("sdk_topic_create_v2")
	if err == nil {
		t.Fatalf("expected a capability error when CapTopics is disabled")
	}
	if err.Code != CodeCapabilityDisabled {
		t.Fatalf("expected CodeCapabilityDisabled, got %s", err.Code)
	}
}

func TestRequireCapabilityEnabledCapabilityPasses(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.requireCapability("sdk_topic_create_v2"); err != nil {
		t.Fatalf("expected no error with CapTopics enabled by default, got %v", err)
	}
}

func TestNegotiateContractVersionPicksHighestOverlap(t *testing.T) {
	v, ok := negotiateContractVersion([]uint16{1, 2, 3}, []uint16{2, 3})
	if !ok || v != 3 {
		t.Fatalf("expected the highest overlapping version 3, got %d ok=%v", v, ok)
	}
}

func TestNegotiateContractVersionNoOverlap(t *testing.T) {
	_, ok := negotiateContractVersion([]uint16{5, 6}, []uint16{1, 2})
	if ok {
		t.Fatalf("expected no overlap to report false")
	}
}

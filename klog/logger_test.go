package klog

import (
	"testing"

	"github.com/cosmosnicolaou/llog"
)

func TestComponentSilentByDefault(t *testing.T) {
	c := Component("test-silent-default")
	l := For(c)
	if l.V(0) {
		t.Fatalf("V(0) = true for a component that was never Enable'd")
	}
}

func TestEnableGatesByLevel(t *testing.T) {
	c := Component("test-enable-gates")
	defer Disable(c)

	Enable(c, 2)
	l := For(c)
	if !l.V(0) || !l.V(2) {
		t.Fatalf("V() below or at the enabled level should report active")
	}
	if l.V(3) {
		t.Fatalf("V(3) = true, want false above the enabled level %d", llog.Level(2))
	}
}

func TestDisableSilencesAnEnabledComponent(t *testing.T) {
	c := Component("test-disable")
	Enable(c, 5)
	Disable(c)

	if For(c).V(0) {
		t.Fatalf("V(0) = true after Disable, want false")
	}
}

func TestTraceNoOpsWhenInactive(t *testing.T) {
	c := Component("test-trace-inactive")
	defer Disable(c)
	// Trace must not panic or block when the component is disabled; it
	// should simply skip formatting and logging.
	For(c).Trace(0, "should never be built: %d", 1)
}

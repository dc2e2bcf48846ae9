package config

import (
	"flag"
	"testing"
	"time"
)

func TestDefaultIsSingleCoreAndInheritance(t *testing.T) {
	d := Default()
	if d.CPUs != 1 {
		t.Fatalf("CPUs = %d, want 1", d.CPUs)
	}
	if d.PriorityInversionProtocol != Inheritance {
		t.Fatalf("PriorityInversionProtocol = %v, want Inheritance", d.PriorityInversionProtocol)
	}
}

func TestFlagSetParsesEveryField(t *testing.T) {
	tr := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	FlagSet(fs, &tr)

	err := fs.Parse([]string{
		"-cpus=4",
		"-tick-hz=500",
		"-quantum=5ms",
		"-max-threads=0",
		"-monitored=false",
		"-reboot=true",
		"-debug=false",
		"-priority-inversion=ceiling",
	})
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if tr.CPUs != 4 || tr.TickHz != 500 || tr.Quantum != 5*time.Millisecond ||
		tr.MaxThreads != 0 || tr.PriorityInversionProtocol != Ceiling ||
		tr.Monitored != false || tr.Reboot != true || tr.Debug != false {
		t.Fatalf("parsed Traits = %+v, fields did not match flags", tr)
	}
}

func TestFlagSetRejectsUnknownProtocol(t *testing.T) {
	tr := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	FlagSet(fs, &tr)

	if err := fs.Parse([]string{"-priority-inversion=bogus"}); err == nil {
		t.Fatalf("Parse() with an unknown protocol succeeded, want error")
	}
}

func TestProtocolString(t *testing.T) {
	if Inheritance.String() != "inheritance" {
		t.Fatalf("Inheritance.String() = %q, want %q", Inheritance.String(), "inheritance")
	}
	if Ceiling.String() != "ceiling" {
		t.Fatalf("Ceiling.String() = %q, want %q", Ceiling.String(), "ceiling")
	}
}

package config

import (
	"flag"
	"fmt"
)

// FlagSet registers t's fields on fs as command-line flags, for
// cmd/eposkctl's demo binary only; library consumers build Traits
// directly. Grounded in original_source's per-board Traits.h files (each
// board hard-codes the same handful of knobs this exposes as flags
// instead).
func FlagSet(fs *flag.FlagSet, t *Traits) {
	fs.IntVar(&t.CPUs, "cpus", t.CPUs, "number of simulated CPUs")
	fs.IntVar(&t.TickHz, "tick-hz", t.TickHz, "tick clock frequency in Hz")
	fs.DurationVar(&t.Quantum, "quantum", t.Quantum, "round-robin time slice")
	fs.IntVar(&t.MaxThreads, "max-threads", t.MaxThreads, "thread arena capacity (0 = unbounded)")
	fs.BoolVar(&t.Monitored, "monitored", t.Monitored, "record per-thread scheduling statistics")
	fs.BoolVar(&t.Reboot, "reboot", t.Reboot, "reboot instead of halt when the last thread exits")
	fs.BoolVar(&t.Debug, "debug", t.Debug, "fail fast on documented-undefined misuse instead of taking the silent path")
	fs.Func("priority-inversion", "inheritance or ceiling", func(v string) error {
		switch v {
		case "inheritance":
			t.PriorityInversionProtocol = Inheritance
		case "ceiling":
			t.PriorityInversionProtocol = Ceiling
		default:
			return fmt.Errorf("unknown priority-inversion protocol %q", v)
		}
		return nil
	})
}

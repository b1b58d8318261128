// Command hubdiag is the diagnostic-only CLI for a DataHub segment
// (spec.md §6): attach with ReadAttach, run an integrity pass (repairing
// mismatched slots with --repair), and print identity, the consumer
// liveness table and per-slot state.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"
	"github.com/tidwall/pretty"

	"github.com/pylabhub/datahub/recovery"
	"github.com/pylabhub/datahub/shmerr"
	"github.com/pylabhub/datahub/shmseg"
)

const (
	exitOK               = 0
	exitSegmentNotFound  = 2
	exitIntegrityFailure = 3
	exitUnreadable       = 4
	exitLayoutMismatch   = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	name := pflag.String("name", "", "segment name to attach")
	repair := pflag.Bool("repair", false, "repair checksum-mismatched slots")
	jsonOut := pflag.Bool("json", false, "print as pretty JSON instead of the plain-text summary")
	verbose := pflag.Bool("verbose", false, "dump every field via go-spew")
	pflag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "hubdiag: --name is required")
		return exitUnreadable
	}

	seg, err := shmseg.ReadAttach(*name, shmseg.AttachExpectations{})
	if err != nil {
		return reportAttachFailure(err)
	}
	defer seg.Close()

	report, err := recovery.ValidateIntegrity(seg, *repair)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hubdiag: integrity: %v\n", err)
		return exitLayoutMismatch
	}

	diag := buildDiagnostics(seg, report)

	if *jsonOut {
		printJSON(diag)
	} else if *verbose {
		spew.Dump(diag)
	} else {
		printSummary(diag)
	}

	if !report.OK() {
		return exitIntegrityFailure
	}
	return exitOK
}

func reportAttachFailure(err error) int {
	var serr *shmerr.Error
	if errors.As(err, &serr) {
		switch serr.Kind {
		case shmerr.LayoutMismatch:
			fmt.Fprintf(os.Stderr, "hubdiag: %v\n", err)
			return exitLayoutMismatch
		case shmerr.OSFailure:
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "hubdiag: segment not found: %v\n", err)
				return exitSegmentNotFound
			}
		}
	}
	fmt.Fprintf(os.Stderr, "hubdiag: %v\n", err)
	return exitUnreadable
}

// diagnostics is the CLI's own flat reporting shape, separate from
// recovery.IntegrityReport so JSON/spew output stays stable even if the
// report's internal shape changes.
type diagnostics struct {
	Name            string                    `json:"name"`
	HubUID          string                    `json:"hub_uid"`
	HubName         string                    `json:"hub_name"`
	ProducerUID     string                    `json:"producer_uid"`
	ProducerName    string                    `json:"producer_name"`
	Policy          string                    `json:"policy"`
	Capacity        int                       `json:"capacity"`
	WriteIndex      uint64                    `json:"write_index"`
	ReadIndex       uint64                    `json:"read_index"`
	IntegrityOK     bool                      `json:"integrity_ok"`
	MismatchedSlots []int                     `json:"mismatched_slots,omitempty"`
	RepairedSlots   []int                     `json:"repaired_slots,omitempty"`
	Consumers       []shmseg.ConsumerRowView  `json:"consumers"`
	Slots           []shmseg.SlotSnapshot     `json:"slots"`
}

func buildDiagnostics(seg *shmseg.Segment, report recovery.IntegrityReport) diagnostics {
	hubUID, hubName, producerUID, producerName := seg.Identity()

	d := diagnostics{
		Name:            seg.Name(),
		HubUID:          hubUID,
		HubName:         hubName,
		ProducerUID:     producerUID,
		ProducerName:    producerName,
		Policy:          seg.Policy().String(),
		Capacity:        seg.Capacity(),
		WriteIndex:      seg.WriteIndex(),
		ReadIndex:       seg.ReadIndex(),
		IntegrityOK:     report.OK(),
		MismatchedSlots: report.MismatchedSlots,
		RepairedSlots:   report.RepairedSlots,
	}

	for i := 0; i < seg.NumConsumerRows(); i++ {
		d.Consumers = append(d.Consumers, seg.ConsumerRow(i))
	}
	for i := 0; i < seg.Capacity(); i++ {
		d.Slots = append(d.Slots, seg.SlotSnapshot(i))
	}
	return d
}

func printJSON(d diagnostics) {
	raw, err := json.Marshal(d)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hubdiag: marshal: %v\n", err)
		return
	}
	os.Stdout.Write(pretty.Pretty(raw))
}

func printSummary(d diagnostics) {
	fmt.Printf("segment:  %s\n", d.Name)
	fmt.Printf("hub:      %s (%s)\n", d.HubName, d.HubUID)
	fmt.Printf("producer: %s (%s)\n", d.ProducerName, d.ProducerUID)
	fmt.Printf("policy:   %s   capacity: %d\n", d.Policy, d.Capacity)
	fmt.Printf("cursors:  write_index=%d read_index=%d\n", d.WriteIndex, d.ReadIndex)
	fmt.Printf("integrity: ok=%v mismatched=%v repaired=%v\n", d.IntegrityOK, d.MismatchedSlots, d.RepairedSlots)

	live := 0
	for _, c := range d.Consumers {
		if c.PID != 0 {
			live++
		}
	}
	fmt.Printf("consumers: %d/%d rows live\n", live, len(d.Consumers))
	for _, c := range d.Consumers {
		fmt.Printf("  row %d: pid=%d uid=%q name=%q pending_slot_id=%d last_heartbeat_ns=%d\n",
			c.RowIndex, c.PID, c.ConsumerUID, c.ConsumerName, c.PendingSlotID, c.LastHeartbeatNS)
	}
	fmt.Printf("slots:\n")
	for _, s := range d.Slots {
		fmt.Printf("  slot %d: state=%s slot_id=%d readers=%d owner_pid=%d\n",
			s.Index, s.StateName, s.SlotID, s.ReaderCount, s.OwnerPID)
	}
}

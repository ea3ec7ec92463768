package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/ismaiel54/advisor-bridge/internal/msg"
)

// labelTrail is what the journal says happened to one order label. Labels
// may be reused once the previous position under them is closed.
type labelTrail struct {
	open         bool // a submit succeeded and no close has since
	resubmitted  bool // a submit succeeded while open
	pendingOpen  int  // submits still awaiting an open notification
	pendingClose int  // closes still awaiting a close notification
}

// Verifier checks the journal for broken order lifecycles
type Verifier struct {
	events   int
	eventIDs map[string]int
	labels   map[string]*labelTrail
}

func NewVerifier() *Verifier {
	return &Verifier{
		eventIDs: make(map[string]int),
		labels:   make(map[string]*labelTrail),
	}
}

// Observe folds one journal event into the report
func (v *Verifier) Observe(ev msg.BridgeEventMsg) {
	v.events++
	if ev.EventID != "" {
		v.eventIDs[ev.EventID]++
	}
	if ev.Label == "" {
		return
	}

	trail, ok := v.labels[ev.Label]
	if !ok {
		trail = &labelTrail{}
		v.labels[ev.Label] = trail
	}
	switch ev.Kind {
	case msg.EventSubmit:
		if !ev.OK {
			return
		}
		if trail.open {
			trail.resubmitted = true
		}
		trail.open = true
		trail.pendingOpen++
	case msg.EventOpenNotify:
		if trail.pendingOpen > 0 {
			trail.pendingOpen--
		}
	case msg.EventClose:
		if !ev.OK {
			return
		}
		trail.open = false
		trail.pendingClose++
	case msg.EventCloseNotify:
		if trail.pendingClose > 0 {
			trail.pendingClose--
		}
	}
}

// Report summarizes what Observe saw
type Report struct {
	Events            int
	DuplicateEventIDs []string
	DuplicateSubmits  []string
	UnconfirmedOpens  []string
	UnconfirmedCloses []string
}

func (r Report) Passed() bool {
	return len(r.DuplicateEventIDs) == 0 &&
		len(r.DuplicateSubmits) == 0 &&
		len(r.UnconfirmedOpens) == 0 &&
		len(r.UnconfirmedCloses) == 0
}

func (v *Verifier) Report() Report {
	r := Report{Events: v.events}
	for id, n := range v.eventIDs {
		if n > 1 {
			r.DuplicateEventIDs = append(r.DuplicateEventIDs, id)
		}
	}
	for label, trail := range v.labels {
		if trail.resubmitted {
			r.DuplicateSubmits = append(r.DuplicateSubmits, label)
		}
		if trail.pendingOpen > 0 {
			r.UnconfirmedOpens = append(r.UnconfirmedOpens, label)
		}
		if trail.pendingClose > 0 {
			r.UnconfirmedCloses = append(r.UnconfirmedCloses, label)
		}
	}
	sort.Strings(r.DuplicateEventIDs)
	sort.Strings(r.DuplicateSubmits)
	sort.Strings(r.UnconfirmedOpens)
	sort.Strings(r.UnconfirmedCloses)
	return r
}

// Print writes a human readable report
func (r Report) Print(w io.Writer) {
	fmt.Fprintln(w, "\n=== Journal Verification Results ===")
	fmt.Fprintf(w, "Total events consumed: %d\n", r.Events)
	section := func(title string, items []string) {
		fmt.Fprintf(w, "%s: %d\n", title, len(items))
		for _, item := range items {
			fmt.Fprintf(w, "  %s\n", item)
		}
	}
	section("Duplicate event IDs", r.DuplicateEventIDs)
	section("Labels resubmitted while open", r.DuplicateSubmits)
	section("Submits without open notification", r.UnconfirmedOpens)
	section("Closes without close notification", r.UnconfirmedCloses)

	if r.Passed() {
		fmt.Fprintln(w, "\nVERIFICATION PASSED")
	} else {
		fmt.Fprintln(w, "\nVERIFICATION FAILED")
	}
}

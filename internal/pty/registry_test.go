package pty

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type sizeRecorder struct {
	cols, rows uint16
	calls      int
}

func (s *sizeRecorder) apply(cols, rows uint16) {
	s.cols, s.rows = cols, rows
	s.calls++
}

func TestAttachBecomesOwner(t *testing.T) {
	rec := &sizeRecorder{}
	r := NewRegistry(rec.apply)

	a := ClientID{Kind: ClientLocal}
	b := ClientID{Kind: ClientBrowser, ID: "peer-1"}

	r.Attach(a, 80, 24)
	if rec.cols != 80 || rec.rows != 24 {
		t.Fatalf("after A attach size = %dx%d, want 80x24", rec.cols, rec.rows)
	}

	r.Attach(b, 120, 40)
	if rec.cols != 120 || rec.rows != 40 {
		t.Fatalf("after B attach size = %dx%d, want 120x40", rec.cols, rec.rows)
	}
	owner, ok := r.Owner()
	if !ok || owner.ID != b {
		t.Errorf("owner = %+v, want %v", owner, b)
	}
}

func TestDetachTransfersOwnership(t *testing.T) {
	rec := &sizeRecorder{}
	r := NewRegistry(rec.apply)

	a := ClientID{Kind: ClientLocal}
	b := ClientID{Kind: ClientBrowser, ID: "peer-1"}

	r.Attach(a, 80, 24)
	r.Attach(b, 120, 40)

	// Detaching the owner resizes to the next-most-recent client.
	r.Detach(b)
	if rec.cols != 80 || rec.rows != 24 {
		t.Errorf("after owner detach size = %dx%d, want 80x24", rec.cols, rec.rows)
	}

	// Detaching the last client leaves the PTY size untouched.
	calls := rec.calls
	r.Detach(a)
	if rec.calls != calls {
		t.Error("detaching the last client must not force a resize")
	}
}

func TestDetachNonOwnerKeepsSize(t *testing.T) {
	rec := &sizeRecorder{}
	r := NewRegistry(rec.apply)

	a := ClientID{Kind: ClientLocal}
	b := ClientID{Kind: ClientBrowser, ID: "peer-1"}

	r.Attach(a, 80, 24)
	r.Attach(b, 120, 40)

	calls := rec.calls
	r.Detach(a)
	if rec.calls != calls {
		t.Error("detaching a non-owner must not trigger a resize")
	}
	if rec.cols != 120 || rec.rows != 40 {
		t.Errorf("size = %dx%d, want 120x40", rec.cols, rec.rows)
	}
}

func TestNonOwnerResizeIgnored(t *testing.T) {
	rec := &sizeRecorder{}
	r := NewRegistry(rec.apply)

	a := ClientID{Kind: ClientLocal}
	b := ClientID{Kind: ClientBrowser, ID: "peer-1"}

	r.Attach(a, 80, 24)
	r.Attach(b, 120, 40)

	r.Resize(a, 60, 20) // a is not the owner
	if rec.cols != 120 || rec.rows != 40 {
		t.Errorf("non-owner resize reached the PTY: %dx%d", rec.cols, rec.rows)
	}

	r.Resize(b, 100, 30) // b owns the size
	if rec.cols != 100 || rec.rows != 30 {
		t.Errorf("owner resize ignored: %dx%d, want 100x30", rec.cols, rec.rows)
	}
}

func TestReattachReplacesRecord(t *testing.T) {
	rec := &sizeRecorder{}
	r := NewRegistry(rec.apply)

	b := ClientID{Kind: ClientBrowser, ID: "peer-1"}
	r.Attach(b, 80, 24)
	r.Attach(b, 132, 43) // reconnect with new dims

	if r.Len() != 1 {
		t.Fatalf("reattach duplicated the record: len = %d", r.Len())
	}
	if rec.cols != 132 || rec.rows != 43 {
		t.Errorf("size = %dx%d, want 132x43", rec.cols, rec.rows)
	}
}

// Same-tick attaches are ordered by attach sequence: last attach wins.
// This is the documented tie-break for identical ConnectedAt timestamps.
func TestSameTickTieBreak(t *testing.T) {
	r := NewRegistry(nil)

	a := &ConnectedClient{ID: ClientID{Kind: ClientBrowser, ID: "a"}, seq: 1}
	b := &ConnectedClient{ID: ClientID{Kind: ClientBrowser, ID: "b"}, seq: 2}
	b.ConnectedAt = a.ConnectedAt // identical timestamps

	r.clients[a.ID] = a
	r.clients[b.ID] = b

	owner, ok := r.Owner()
	if !ok || owner.ID.ID != "b" {
		t.Errorf("tie-break owner = %v, want b (last attach wins)", owner.ID)
	}
}

// Ownership monotonicity: after any sequence of attaches and detaches, the
// applied size equals the dims of the remaining client with the greatest
// (ConnectedAt, seq).
func TestOwnershipMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("owner is always the most recent attach", prop.ForAll(
		func(ops []int) bool {
			rec := &sizeRecorder{}
			r := NewRegistry(rec.apply)

			// Interpret each op against a pool of 5 client identities:
			// positive = attach with dims derived from the op, negative =
			// detach.
			for _, op := range ops {
				n := op % 5
				if n < 0 {
					n = -n
				}
				id := ClientID{Kind: ClientBrowser, ID: string(rune('a' + n))}
				if op >= 0 {
					r.Attach(id, uint16(10+n), uint16(20+n))
				} else {
					r.Detach(id)
				}

				owner, ok := r.Owner()
				if !ok {
					continue
				}
				if rec.cols != owner.Cols || rec.rows != owner.Rows {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-100, 100)),
	))

	properties.TestingRun(t)
}

package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "perch.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStartExitRoundTrip(t *testing.T) {
	s := openTest(t)
	started := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	if err := s.RecordStart("s1", "/bin/bash", 4242, started); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Command != "/bin/bash" || rec.Pid != 4242 {
		t.Fatalf("rec = %+v", rec)
	}
	if rec.ExitedAt != nil || rec.ExitCode != nil {
		t.Error("fresh session already has exit data")
	}

	code := 130
	if err := s.RecordExit("s1", &code, started.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	rec, err = s.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 130 {
		t.Errorf("exit code = %v, want 130", rec.ExitCode)
	}
	if rec.ExitedAt == nil {
		t.Error("exit time not recorded")
	}
}

func TestExitWithoutStatus(t *testing.T) {
	s := openTest(t)
	now := time.Now()
	if err := s.RecordStart("s1", "/bin/cat", 1, now); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordExit("s1", nil, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ExitCode != nil {
		t.Errorf("exit code = %v, want nil", rec.ExitCode)
	}
	if rec.ExitedAt == nil {
		t.Error("exit time not recorded")
	}
}

func TestExitUnknownSession(t *testing.T) {
	s := openTest(t)
	if err := s.RecordExit("ghost", nil, time.Now()); err == nil {
		t.Error("exit of unknown session succeeded")
	}
}

func TestReusedKeyResetsExit(t *testing.T) {
	s := openTest(t)
	now := time.Now()
	code := 0
	s.RecordStart("s1", "/bin/echo", 1, now)
	s.RecordExit("s1", &code, now.Add(time.Second))

	// A new session under the same key starts clean.
	if err := s.RecordStart("s1", "/bin/sh", 2, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Command != "/bin/sh" || rec.ExitCode != nil || rec.ExitedAt != nil {
		t.Errorf("reused key kept stale data: %+v", rec)
	}
}

func TestListOrderAndLimit(t *testing.T) {
	s := openTest(t)
	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	for i, key := range []string{"old", "mid", "new"} {
		if err := s.RecordStart(key, "/bin/true", i, base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Key != "new" || all[2].Key != "old" {
		t.Errorf("list order = %v", keys(all))
	}

	two, err := s.List(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(two) != 2 || two[0].Key != "new" {
		t.Errorf("limited list = %v", keys(two))
	}
}

func TestPrune(t *testing.T) {
	s := openTest(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	code := 0

	s.RecordStart("ancient", "/bin/true", 1, base)
	s.RecordExit("ancient", &code, base.Add(time.Minute))
	s.RecordStart("recent", "/bin/true", 2, base.Add(48*time.Hour))
	s.RecordExit("recent", &code, base.Add(49*time.Hour))
	s.RecordStart("live", "/bin/cat", 3, base)

	n, err := s.Prune(base.Add(24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
	// Running sessions are never pruned, however old.
	if rec, _ := s.Get("live"); rec == nil {
		t.Error("prune removed a running session")
	}
	if rec, _ := s.Get("recent"); rec == nil {
		t.Error("prune removed a session newer than cutoff")
	}
}

func keys(recs []SessionRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Key
	}
	return out
}

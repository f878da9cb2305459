package caliblog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stringhub-core/stringhub/internal/caliblog"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func tmpLedger(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "caliblog.jsonl")
}

func openLogger(t *testing.T, path string) *caliblog.Logger {
	t.Helper()
	l, err := caliblog.Open(path)
	if err != nil {
		t.Fatalf("caliblog.Open(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func mustAppend(t *testing.T, l *caliblog.Logger, u caliblog.Update) caliblog.Entry {
	t.Helper()
	e, err := l.Append(u)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return e
}

// --------------------------------------------------------------------------
// Basic append tests
// --------------------------------------------------------------------------

func TestAppendSingleEntry(t *testing.T) {
	l := openLogger(t, tmpLedger(t))
	e := mustAppend(t, l, caliblog.Update{MBID: 1, DomTxTicks: 100, RoundTripNs100: 500, GPSOffsetNs100: 1000})

	if e.Seq != 1 {
		t.Errorf("seq = %d, want 1", e.Seq)
	}
	if e.PrevHash != caliblog.GenesisHash {
		t.Errorf("prev_hash = %q, want genesis hash", e.PrevHash)
	}
	if len(e.EventHash) != 64 {
		t.Errorf("event_hash length = %d, want 64", len(e.EventHash))
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp must not be zero")
	}
}

func TestAppendMultipleEntriesChain(t *testing.T) {
	l := openLogger(t, tmpLedger(t))
	e1 := mustAppend(t, l, caliblog.Update{MBID: 1, DomTxTicks: 100})
	e2 := mustAppend(t, l, caliblog.Update{MBID: 1, DomTxTicks: 200})
	e3 := mustAppend(t, l, caliblog.Update{MBID: 1, DomTxTicks: 300})

	if e2.PrevHash != e1.EventHash {
		t.Errorf("e2.PrevHash = %q, want e1.EventHash %q", e2.PrevHash, e1.EventHash)
	}
	if e3.PrevHash != e2.EventHash {
		t.Errorf("e3.PrevHash = %q, want e2.EventHash %q", e3.PrevHash, e2.EventHash)
	}
	if e1.Seq != 1 || e2.Seq != 2 || e3.Seq != 3 {
		t.Errorf("sequence numbers = %d,%d,%d, want 1,2,3", e1.Seq, e2.Seq, e3.Seq)
	}
}

func TestOpenRestoresChainAcrossRestart(t *testing.T) {
	path := tmpLedger(t)

	l1, err := caliblog.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e1 := mustAppend(t, l1, caliblog.Update{MBID: 1, DomTxTicks: 100})
	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2 := openLogger(t, path)
	e2 := mustAppend(t, l2, caliblog.Update{MBID: 1, DomTxTicks: 200})

	if e2.Seq != 2 {
		t.Errorf("seq after restart = %d, want 2", e2.Seq)
	}
	if e2.PrevHash != e1.EventHash {
		t.Errorf("chain did not continue across restart: e2.PrevHash = %q, want %q", e2.PrevHash, e1.EventHash)
	}
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	path := tmpLedger(t)
	l := openLogger(t, path)
	mustAppend(t, l, caliblog.Update{MBID: 1, DomTxTicks: 100})
	mustAppend(t, l, caliblog.Update{MBID: 1, DomTxTicks: 200})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	// Corrupt a digit in the file so the stored event_hash no longer matches
	// its recomputed content.
	corrupted := append([]byte(nil), raw...)
	for i, b := range corrupted {
		if b == '1' {
			corrupted[i] = '9'
			break
		}
	}
	if err := os.WriteFile(path, corrupted, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := caliblog.Verify(path); err == nil {
		t.Fatalf("Verify on tampered ledger returned nil error, want a chain/hash error")
	}
}

func TestVerifyEmptyFileIsValid(t *testing.T) {
	path := tmpLedger(t)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	entries, err := caliblog.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %v, want empty", entries)
	}
}

package evidence

import (
	"testing"
)

func TestKind_Valid(t *testing.T) {
	for _, k := range Kinds {
		if !k.Valid() {
			t.Errorf("%q should be valid", k)
		}
	}
	for _, k := range []Kind{"", "request", "AUDIT"} {
		if k.Valid() {
			t.Errorf("%q should be invalid", k)
		}
	}
}

func TestHashPayload(t *testing.T) {
	if HashPayload(nil) != "" {
		t.Error("empty payload should hash to empty string")
	}

	// SHA-256 of "{}".
	const want = "44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"
	if got := HashPayload([]byte("{}")); got != want {
		t.Errorf("HashPayload({}) = %s, want %s", got, want)
	}
}

func TestRecord_VerifyHash(t *testing.T) {
	payload := []byte(`{"backend_id":"gpt-4o"}`)
	r := &Record{Payload: payload, Hash: HashPayload(payload)}
	if !r.VerifyHash() {
		t.Error("fresh record should verify")
	}

	r.Payload = []byte(`{"backend_id":"gpt-4o-mini"}`)
	if r.VerifyHash() {
		t.Error("tampered payload should not verify")
	}

	if (&Record{Payload: payload}).VerifyHash() {
		t.Error("record without hash should not verify")
	}
}

func TestComplianceStats(t *testing.T) {
	empty := &ComplianceStats{}
	if empty.ResolutionRate() != 1 {
		t.Errorf("empty ResolutionRate() = %v, want 1", empty.ResolutionRate())
	}

	s := &ComplianceStats{Total: 4, Resolved: 1}
	if s.Unresolved() != 3 {
		t.Errorf("Unresolved() = %d, want 3", s.Unresolved())
	}
	if s.ResolutionRate() != 0.25 {
		t.Errorf("ResolutionRate() = %v, want 0.25", s.ResolutionRate())
	}
}

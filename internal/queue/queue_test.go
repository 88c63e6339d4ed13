package queue

import "testing"

func TestEncodeDecodeTaskRefRoundTrip(t *testing.T) {
	ref := TaskRef{Kind: KindNotify, TaskID: "task-123", RunID: "run-456"}
	raw := encodeTaskRef(ref)
	got, ok := decodeTaskRef(raw)
	if !ok {
		t.Fatalf("decodeTaskRef(%q) failed", raw)
	}
	if got != ref {
		t.Fatalf("got %+v, want %+v", got, ref)
	}
}

func TestDecodeTaskRefRejectsMalformed(t *testing.T) {
	if _, ok := decodeTaskRef("not-enough-parts"); ok {
		t.Fatalf("expected malformed ref to fail decoding")
	}
	if _, ok := decodeTaskRef("dispatch||"); ok {
		t.Fatalf("expected ref with empty task_id to fail decoding")
	}
}

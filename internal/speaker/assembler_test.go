package speaker

import "testing"

func TestAssemblerSpeakerChangeClosesUtterance(t *testing.T) {
	a := NewAssembler(8)

	if got := a.Add("alice", 1, "good", "gut"); got != nil {
		t.Fatal("first segment should not close anything")
	}
	if got := a.Add("alice", 2, "morning", "Morgen"); got != nil {
		t.Fatal("same speaker should keep accumulating")
	}

	closed := a.Add("bob", 3, "hello", "hallo")
	if closed == nil {
		t.Fatal("speaker change should close the pending utterance")
	}
	if closed.SpeakerID != "alice" {
		t.Errorf("closed speaker: got %q, want alice", closed.SpeakerID)
	}
	if closed.FirstSeq != 1 || closed.LastSeq != 2 {
		t.Errorf("closed seq range = [%d, %d], want [1, 2]", closed.FirstSeq, closed.LastSeq)
	}
	if closed.Text != "good morning" || closed.Translation != "gut Morgen" {
		t.Errorf("closed text = %q / %q", closed.Text, closed.Translation)
	}
	if a.Pending() != 1 {
		t.Errorf("bob's segment should be pending, got %d", a.Pending())
	}
}

func TestAssemblerSegmentCap(t *testing.T) {
	a := NewAssembler(3)

	a.Add("alice", 1, "one", "")
	a.Add("alice", 2, "two", "")
	closed := a.Add("alice", 3, "three", "")
	if closed == nil {
		t.Fatal("hitting the cap should close the utterance")
	}
	if closed.Text != "one two three" {
		t.Errorf("text = %q", closed.Text)
	}
	if a.Pending() != 0 {
		t.Errorf("nothing should be pending after a cap close, got %d", a.Pending())
	}
}

func TestAssemblerFlush(t *testing.T) {
	a := NewAssembler(8)

	if got := a.Flush(); got != nil {
		t.Error("flush of an empty assembler should return nil")
	}

	a.Add("alice", 5, "hi", "hallo")
	closed := a.Flush()
	if closed == nil || closed.FirstSeq != 5 {
		t.Fatalf("flush should return the pending utterance, got %+v", closed)
	}
	if a.Pending() != 0 {
		t.Error("flush should clear pending state")
	}
}

func TestAssemblerSkipsEmptySegments(t *testing.T) {
	a := NewAssembler(8)

	a.Add("alice", 1, "hello", "hallo")
	a.Add("alice", 2, "", "")
	a.Add("alice", 3, "there", "da")

	closed := a.Flush()
	if closed.Text != "hello there" || closed.Translation != "hallo da" {
		t.Errorf("joined text = %q / %q", closed.Text, closed.Translation)
	}
	if closed.LastSeq != 3 {
		t.Errorf("last seq = %d, want 3", closed.LastSeq)
	}
}

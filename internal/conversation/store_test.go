package conversation

import (
	"fmt"
	"sync"
	"testing"
)

func TestAppendAndRead(t *testing.T) {
	store := NewStore()

	first := store.Append("s1", SpeakerUser, "hello")
	second := store.Append("s1", SpeakerAgent, "You said: hello")

	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("Expected seqs 1 and 2, got %d and %d", first.Seq, second.Seq)
	}

	turns := store.Read("s1")
	if len(turns) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(turns))
	}

	expected := []struct {
		speaker Speaker
		text    string
	}{
		{SpeakerUser, "hello"},
		{SpeakerAgent, "You said: hello"},
	}
	for i, want := range expected {
		if turns[i].Speaker != want.speaker || turns[i].Text != want.text {
			t.Errorf("Turn %d: expected {%s %q}, got {%s %q}",
				i, want.speaker, want.text, turns[i].Speaker, turns[i].Text)
		}
	}
}

func TestReadUnknownSession(t *testing.T) {
	store := NewStore()

	turns := store.Read("missing")
	if turns == nil || len(turns) != 0 {
		t.Errorf("Expected empty non-nil slice, got %v", turns)
	}
	if store.Len() != 0 {
		t.Errorf("Expected Read not to create a session, got %d", store.Len())
	}
}

func TestReadReturnsSnapshot(t *testing.T) {
	store := NewStore()
	store.Append("s1", SpeakerUser, "one")

	snapshot := store.Read("s1")
	snapshot[0].Text = "changed"
	store.Append("s1", SpeakerAgent, "two")

	if len(snapshot) != 1 {
		t.Errorf("Expected snapshot length to stay 1, got %d", len(snapshot))
	}
	if store.Read("s1")[0].Text != "one" {
		t.Error("Expected stored turn unaffected by snapshot mutation")
	}
}

func TestDropIsIdempotent(t *testing.T) {
	store := NewStore()
	store.Append("s1", SpeakerUser, "hello")

	if !store.Drop("s1") {
		t.Error("Expected first drop to report an existing entry")
	}
	if store.Drop("s1") {
		t.Error("Expected second drop to be a no-op")
	}
	if store.Drop("never-existed") {
		t.Error("Expected drop of unknown session to be a no-op")
	}
	if len(store.Read("s1")) != 0 {
		t.Error("Expected history gone after drop")
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	store := NewStore()
	store.Append("a", SpeakerUser, "from a")
	store.Append("b", SpeakerUser, "from b")
	store.Append("a", SpeakerAgent, "reply a")

	a := store.Read("a")
	b := store.Read("b")

	if len(a) != 2 || len(b) != 1 {
		t.Fatalf("Expected 2 and 1 turns, got %d and %d", len(a), len(b))
	}
	if b[0].Seq != 1 {
		t.Errorf("Expected per-session seq for b to start at 1, got %d", b[0].Seq)
	}

	store.Drop("a")
	if len(store.Read("b")) != 1 {
		t.Error("Expected dropping a to leave b intact")
	}
}

func TestConcurrentAppends(t *testing.T) {
	store := NewStore()

	const sessions = 8
	const perSession = 100

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < perSession; j++ {
				store.Append(id, SpeakerUser, fmt.Sprintf("%s-%d", id, j))
			}
		}(fmt.Sprintf("s%d", i))
	}
	wg.Wait()

	if store.Len() != sessions {
		t.Fatalf("Expected %d sessions, got %d", sessions, store.Len())
	}

	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("s%d", i)
		turns := store.Read(id)
		if len(turns) != perSession {
			t.Errorf("Session %s: expected %d turns, got %d", id, perSession, len(turns))
			continue
		}
		for j, turn := range turns {
			if turn.Seq != uint64(j+1) {
				t.Errorf("Session %s: expected seq %d, got %d", id, j+1, turn.Seq)
			}
			if turn.Text != fmt.Sprintf("%s-%d", id, j) {
				t.Errorf("Session %s: turn %d out of order: %q", id, j, turn.Text)
			}
		}
	}
}

func TestSessionsSummary(t *testing.T) {
	store := NewStore()
	store.Append("b", SpeakerUser, "x")
	store.Append("a", SpeakerUser, "y")
	store.Append("a", SpeakerAgent, "z")

	summaries := store.Sessions()
	if len(summaries) != 2 {
		t.Fatalf("Expected 2 summaries, got %d", len(summaries))
	}
	if summaries[0].SessionID != "a" || summaries[0].Turns != 2 {
		t.Errorf("Expected {a 2}, got {%s %d}", summaries[0].SessionID, summaries[0].Turns)
	}
	if summaries[1].SessionID != "b" || summaries[1].Turns != 1 {
		t.Errorf("Expected {b 1}, got {%s %d}", summaries[1].SessionID, summaries[1].Turns)
	}
}

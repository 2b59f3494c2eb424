package conversation

import (
	"testing"
	"time"

	"parley/internal/models"
)

var testKey = models.ConversationKey{SelfID: "alice", CounterpartyID: "bob"}

func canonical(id, body string, at time.Time) models.Message {
	return models.Message{
		ID:         id,
		SenderID:   "alice",
		ReceiverID: "bob",
		Body:       body,
		CreatedAt:  at,
	}
}

func TestLoadInitial_Dedup(t *testing.T) {
	s := New(Config{Key: testKey})

	at := time.Now()
	msg := canonical("m1", "hello", at)
	msg.Attachments = []models.Attachment{
		{ID: "a1", MessageID: "m1"},
		{ID: "a1", MessageID: "m1"},
		{ID: "a2", MessageID: "m1"},
	}

	s.LoadInitial([]models.Message{msg, canonical("m1", "hello", at), canonical("m2", "again", at)})

	if s.Len() != 2 {
		t.Fatalf("expected 2 messages after dedup, got %d", s.Len())
	}
	got := s.Messages()[0]
	if len(got.Attachments) != 2 {
		t.Errorf("expected 2 attachments after dedup, got %d", len(got.Attachments))
	}
}

func TestApplyIncoming_Idempotent(t *testing.T) {
	s := New(Config{Key: testKey})
	s.LoadInitial(nil)

	msg := canonical("m1", "hola", time.Now())
	msg.Attachments = []models.Attachment{{ID: "a1", MessageID: "m1"}}

	s.ApplyIncoming(msg)
	once := s.Messages()

	// Simulate at-least-once delivery.
	s.ApplyIncoming(msg)
	s.ApplyIncoming(msg)
	twice := s.Messages()

	if len(once) != 1 || len(twice) != 1 {
		t.Fatalf("expected 1 message, got %d then %d", len(once), len(twice))
	}
	if len(twice[0].Attachments) != 1 {
		t.Errorf("expected 1 attachment, got %d", len(twice[0].Attachments))
	}
}

func TestApplyIncoming_ReplacesTempInPlace(t *testing.T) {
	var changes []Change
	s := New(Config{Key: testKey, OnChange: func(c Change) { changes = append(changes, c) }})
	s.LoadInitial([]models.Message{canonical("m0", "earlier", time.Now().Add(-time.Hour))})

	tempID := s.AppendOptimistic("hola")
	lenBefore := s.Len()

	// Confirmation arrives within the tolerance window.
	s.ApplyIncoming(canonical("m1", "hola", time.Now().Add(2*time.Second)))

	if s.Len() != lenBefore {
		t.Fatalf("in-place replacement changed length: before %d, after %d", lenBefore, s.Len())
	}

	msgs := s.Messages()
	if msgs[1].ID != "m1" {
		t.Errorf("expected canonical id at temp index, got %s", msgs[1].ID)
	}
	for _, m := range msgs {
		if m.ID == tempID {
			t.Errorf("temp message %s still present after confirmation", tempID)
		}
	}

	last := changes[len(changes)-1]
	if last.Kind != ChangeMerge {
		t.Errorf("expected ChangeMerge for in-place replacement, got %v", last.Kind)
	}
}

func TestApplyIncoming_OutsideToleranceAppends(t *testing.T) {
	s := New(Config{Key: testKey})
	s.LoadInitial(nil)

	s.AppendOptimistic("hola")

	// A different message, same signature, far outside the window. It must
	// append rather than swallow the pending optimistic entry.
	s.ApplyIncoming(canonical("m1", "unrelated", time.Now().Add(time.Minute)))

	if s.Len() != 2 {
		t.Fatalf("expected temp + canonical, got %d messages", s.Len())
	}
}

func TestApplyIncoming_DropsOrphanedTemps(t *testing.T) {
	s := New(Config{Key: testKey})
	s.LoadInitial(nil)

	base := time.Now()
	s.now = func() time.Time { return base }
	tempID := s.AppendOptimistic("lost send")

	// Time passes beyond the tolerance window; an unrelated canonical message
	// for the same pair arrives.
	s.now = func() time.Time { return base.Add(30 * time.Second) }
	s.ApplyIncoming(canonical("m9", "later traffic", base.Add(30*time.Second)))

	for _, m := range s.Messages() {
		if m.ID == tempID {
			t.Fatalf("orphaned temp message %s still in store", tempID)
		}
	}
	if s.Len() != 1 {
		t.Errorf("expected only the canonical message, got %d", s.Len())
	}
}

func TestRollbackOptimistic(t *testing.T) {
	s := New(Config{Key: testKey})
	s.LoadInitial(nil)

	tempID := s.AppendOptimistic("will fail")
	if !s.RollbackOptimistic(tempID) {
		t.Fatal("rollback reported missing entry")
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store after rollback, got %d", s.Len())
	}
	if s.RollbackOptimistic(tempID) {
		t.Error("second rollback should report missing entry")
	}
}

func TestApplyAttachment(t *testing.T) {
	s := New(Config{Key: testKey})
	s.LoadInitial([]models.Message{canonical("m1", "with file", time.Now())})

	att := models.Attachment{ID: "a1", MessageID: "m1", FileName: "pic.png"}

	t.Run("MergeIntoExisting", func(t *testing.T) {
		if need := s.ApplyAttachment(att); need {
			t.Fatal("expected merge without fetch for a present message")
		}
		if got := len(s.Messages()[0].Attachments); got != 1 {
			t.Fatalf("expected 1 attachment, got %d", got)
		}
	})

	t.Run("DuplicateDelivery", func(t *testing.T) {
		if need := s.ApplyAttachment(att); need {
			t.Fatal("duplicate attachment must not request a fetch")
		}
		if got := len(s.Messages()[0].Attachments); got != 1 {
			t.Errorf("duplicate attachment was appended, got %d", got)
		}
	})

	t.Run("UnknownMessageNeedsFetch", func(t *testing.T) {
		need := s.ApplyAttachment(models.Attachment{ID: "a2", MessageID: "m-unseen"})
		if !need {
			t.Error("attachment for an unseen message must request a full fetch")
		}
	})
}

func TestAttachmentDedup_AnyEventOrder(t *testing.T) {
	s := New(Config{Key: testKey})
	s.LoadInitial(nil)

	at := time.Now()
	withAtt := canonical("m1", "file msg", at)
	withAtt.Attachments = []models.Attachment{{ID: "a1", MessageID: "m1"}}

	// Message event and attachment event interleaved, each delivered twice.
	s.ApplyIncoming(withAtt)
	s.ApplyAttachment(models.Attachment{ID: "a1", MessageID: "m1"})
	s.ApplyIncoming(withAtt)
	s.ApplyAttachment(models.Attachment{ID: "a1", MessageID: "m1"})

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if len(msgs[0].Attachments) != 1 {
		t.Errorf("expected 1 unique attachment, got %d", len(msgs[0].Attachments))
	}
}

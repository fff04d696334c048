package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/providers"
	"github.com/dotsetgreg/chatrelay/pkg/state"
)

func TestDigest_SkipsEntriesMissingAuthorOrText(t *testing.T) {
	p := &scriptedProvider{}
	d := NewDigester(p, testTurnOptions())

	filtered := state.ObservationLog{
		{Author: "alice", Text: "", AtMS: 1},
		{Author: "", Text: "orphan text", AtMS: 2},
		{Author: "  ", Text: "  ", AtMS: 3},
	}
	gotFiltered, err := d.Digest(context.Background(), filtered)
	if err != nil {
		t.Fatalf("Digest(filtered) error: %v", err)
	}
	gotEmpty, err := d.Digest(context.Background(), nil)
	if err != nil {
		t.Fatalf("Digest(empty) error: %v", err)
	}
	if gotFiltered != gotEmpty {
		t.Fatalf("filtered log digest = %q, empty log digest = %q", gotFiltered, gotEmpty)
	}
	if p.callCount() != 0 {
		t.Fatalf("completion service called %d times for an empty transcript", p.callCount())
	}
}

func TestDigest_PromptShape(t *testing.T) {
	p := &scriptedProvider{replies: []scriptedReply{{response: &providers.LLMResponse{Content: "summary"}}}}
	d := NewDigester(p, testTurnOptions())
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))

	got, err := d.Digest(context.Background(), state.ObservationLog{
		{Author: "alice", Text: "hello", AtMS: at.UnixMilli()},
		{Author: "bob", Text: "", AtMS: at.UnixMilli()},
		{Author: "carol", Text: "hi alice", AtMS: at.Add(time.Minute).UnixMilli()},
	})
	if err != nil {
		t.Fatalf("Digest error: %v", err)
	}
	if got != "summary" {
		t.Fatalf("Digest = %q, want %q", got, "summary")
	}

	msgs := p.call(0)
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("unexpected prompt shape: %+v", msgs)
	}
	want := "alice [2026-01-02T02:04:05Z]: hello\ncarol [2026-01-02T02:05:05Z]: hi alice"
	if msgs[1].Content != want {
		t.Fatalf("transcript = %q, want %q", msgs[1].Content, want)
	}
}

func TestDigest_FailureCarriesCorrelationID(t *testing.T) {
	p := &scriptedProvider{replies: []scriptedReply{{startErr: errors.New("upstream 502")}}}
	d := NewDigester(p, testTurnOptions())

	_, err := d.Answer(context.Background(), state.ObservationLog{{Author: "a", Text: "b"}}, "what?")
	var te *TurnError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TurnError, got %v", err)
	}
	if te.Kind != KindCompletion || len(te.CorrelationID) != 32 {
		t.Fatalf("unexpected turn error: %+v", te)
	}
}

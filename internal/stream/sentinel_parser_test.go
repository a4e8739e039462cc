package stream

import (
	"strings"
	"testing"
)

func feedChunks(p *SentinelParser, input string, chunkSize int) []Event {
	var events []Event
	data := []byte(input)
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		events = append(events, p.Write(data[i:end])...)
	}
	return events
}

func TestSentinelParser_SingleQuestionAcrossChunks(t *testing.T) {
	input := "some shell noise ===QUESTION===\n{\"id\":\"q1\",\"question\":\"Which database?\"}\n===END_QUESTION=== more noise"

	for _, chunkSize := range []int{1, 3, 5, 11, len(input)} {
		p := NewSentinelParser()
		events := feedChunks(p, input, chunkSize)
		if len(events) != 1 {
			t.Fatalf("chunk size %d: got %d events, want 1: %+v", chunkSize, len(events), events)
		}
		q := events[0].Question
		if events[0].Kind != KindQuestion || q == nil || q.ID != "q1" {
			t.Fatalf("chunk size %d: unexpected event %+v", chunkSize, events[0])
		}
		// The matched span must be gone: feeding more data never re-emits it.
		if extra := p.Write([]byte("trailing output\n")); len(extra) != 0 {
			t.Fatalf("chunk size %d: matched span re-emitted: %+v", chunkSize, extra)
		}
	}
}

func TestSentinelParser_OneOutstandingQuestion(t *testing.T) {
	p := NewSentinelParser()

	first := QuestionStart + `{"id":"q1","question":"one"}` + QuestionEnd
	second := QuestionStart + `{"id":"q2","question":"two"}` + QuestionEnd

	events := p.Write([]byte(first + second))
	if len(events) != 1 || events[0].Question.ID != "q1" {
		t.Fatalf("expected only q1 while unanswered, got %+v", events)
	}
	if !p.QuestionOutstanding() {
		t.Fatal("question should be outstanding")
	}

	released := p.ResolveQuestion()
	if len(released) != 1 || released[0].Question.ID != "q2" {
		t.Fatalf("expected q2 on resolve, got %+v", released)
	}
	if !p.QuestionOutstanding() {
		t.Fatal("released question should be outstanding")
	}

	if final := p.ResolveQuestion(); len(final) != 0 {
		t.Fatalf("no held questions remain, got %+v", final)
	}
	if p.QuestionOutstanding() {
		t.Fatal("no question should be outstanding after final resolve")
	}
}

func TestSentinelParser_PlanRecord(t *testing.T) {
	body := `{"summary":"Add auth","issues":[{"title":"Login page"},{"title":"Session store"}],"risks":["scope creep"],"complexity":"medium"}`
	p := NewSentinelParser()
	events := p.Write([]byte("output before " + PlanStart + body + PlanEnd + " after"))
	if len(events) != 1 || events[0].Kind != KindPlan {
		t.Fatalf("got %+v", events)
	}
	plan := events[0].Plan
	if plan.Summary != "Add auth" || len(plan.Issues) != 2 || plan.Complexity != "medium" {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestSentinelParser_MalformedRecordConsumed(t *testing.T) {
	p := NewSentinelParser()
	events := p.Write([]byte(QuestionStart + "{not json" + QuestionEnd))
	if len(events) != 0 {
		t.Fatalf("malformed record should emit nothing, got %+v", events)
	}
	// The span is still consumed, so a following valid record decodes.
	events = p.Write([]byte(QuestionStart + `{"id":"q9","question":"ok"}` + QuestionEnd))
	if len(events) != 1 || events[0].Question.ID != "q9" {
		t.Fatalf("valid record after malformed one not decoded: %+v", events)
	}
}

func TestSentinelParser_FlushDecodesUnterminatedRecord(t *testing.T) {
	p := NewSentinelParser()
	if events := p.Write([]byte(QuestionStart + `{"id":"q5","question":"cut off"}`)); len(events) != 0 {
		t.Fatalf("unterminated record should not emit on Write: %+v", events)
	}
	events := p.Flush()
	if len(events) != 1 || events[0].Question.ID != "q5" {
		t.Fatalf("flush should recover unterminated record, got %+v", events)
	}
}

func TestSentinelParser_FlushSwallowsGarbage(t *testing.T) {
	p := NewSentinelParser()
	p.Write([]byte(QuestionStart + "{broken"))
	if events := p.Flush(); len(events) != 0 {
		t.Fatalf("flush must swallow decode failures, got %+v", events)
	}
}

func TestSentinelParser_NoiseDoesNotGrowBuffer(t *testing.T) {
	p := NewSentinelParser()
	noise := strings.Repeat("x", 4096)
	for i := 0; i < 100; i++ {
		p.Write([]byte(noise))
	}
	if len(p.buf) >= len(QuestionEnd) {
		t.Fatalf("buffer not trimmed: %d bytes retained", len(p.buf))
	}
	// A marker arriving after heavy noise still decodes.
	events := p.Write([]byte(QuestionStart + `{"id":"late","question":"still works"}` + QuestionEnd))
	if len(events) != 1 || events[0].Question.ID != "late" {
		t.Fatalf("marker after noise not decoded: %+v", events)
	}
}

func TestSentinelParser_ConcurrentWriteAndResolve(t *testing.T) {
	p := NewSentinelParser()
	block := QuestionStart + `{"id":"qx","question":"next"}` + QuestionEnd

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			p.Write([]byte(block))
		}
	}()

	// The answering side runs on a different goroutine than the terminal
	// feed; both mutate the outstanding-question gate.
	resolved := 0
	for i := 0; i < 200; i++ {
		resolved += len(p.ResolveQuestion())
		p.QuestionOutstanding()
	}
	<-done

	for len(p.ResolveQuestion()) > 0 {
		resolved++
	}
	if p.QuestionOutstanding() {
		t.Fatal("no question should remain outstanding after draining")
	}
	// One question was released per resolve; 200 were fed in total and the
	// first fed question was emitted directly by Write.
	if resolved > 200 {
		t.Fatalf("resolved %d questions, more than were ever fed", resolved)
	}
}

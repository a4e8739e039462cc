package stream

import (
	"reflect"
	"testing"
)

const sampleStream = `{"type":"system","subtype":"init","session_id":"abc"}
not json at all
{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_01","name":"Task","input":{"description":"write tests","subagent_type":"test-writer"}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_01","content":"done"}]}}
{"type":"result","subtype":"success","result":"all done","total_cost_usd":0.42}
`

func collectAll(p *LineParser, input []byte, chunkSize int) []Event {
	var events []Event
	for i := 0; i < len(input); i += chunkSize {
		end := i + chunkSize
		if end > len(input) {
			end = len(input)
		}
		events = append(events, p.Write(input[i:end])...)
	}
	return append(events, p.Flush()...)
}

func TestLineParser_DecodesFullStream(t *testing.T) {
	events := collectAll(NewLineParser(), []byte(sampleStream), len(sampleStream))

	wantKinds := []Kind{KindInit, KindAssistantMessage, KindSubtaskStarted, KindSubtaskCompleted, KindResult}
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantKinds), events)
	}
	for i, kind := range wantKinds {
		if events[i].Kind != kind {
			t.Fatalf("event %d kind = %s, want %s", i, events[i].Kind, kind)
		}
	}

	if events[0].SessionID != "abc" {
		t.Errorf("init session id = %q, want abc", events[0].SessionID)
	}
	if events[1].Text != "working on it" {
		t.Errorf("assistant text = %q", events[1].Text)
	}
	if events[2].SubtaskID != "toolu_01" || events[2].SubtaskName != "write tests" || events[2].AgentType != "test-writer" {
		t.Errorf("subtask started = %+v", events[2])
	}
	if events[3].SubtaskID != "toolu_01" {
		t.Errorf("subtask completed id = %q", events[3].SubtaskID)
	}
	if events[4].CostUSD != 0.42 || events[4].IsError || events[4].Text != "all done" {
		t.Errorf("result = %+v", events[4])
	}
}

func TestLineParser_ChunkingInvariant(t *testing.T) {
	input := []byte(sampleStream)
	whole := collectAll(NewLineParser(), input, len(input))

	for _, chunkSize := range []int{1, 2, 3, 7, 16, 64} {
		split := collectAll(NewLineParser(), input, chunkSize)
		if !reflect.DeepEqual(whole, split) {
			t.Fatalf("chunk size %d produced different events:\nwhole: %+v\nsplit: %+v",
				chunkSize, whole, split)
		}
	}
}

func TestLineParser_SkipsNoiseLines(t *testing.T) {
	input := []byte("garbage\n{\"type\":\"result\",\"total_cost_usd\":0.1}\n{broken json\n")
	events := collectAll(NewLineParser(), input, len(input))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	if events[0].Kind != KindResult || events[0].CostUSD != 0.1 {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestLineParser_FlushDecodesTrailingPartialLine(t *testing.T) {
	p := NewLineParser()
	if got := p.Write([]byte(`{"type":"system","subtype":"init","session_id":"tail"}`)); len(got) != 0 {
		t.Fatalf("no newline yet, expected no events, got %+v", got)
	}
	events := p.Flush()
	if len(events) != 1 || events[0].Kind != KindInit || events[0].SessionID != "tail" {
		t.Fatalf("flush events = %+v", events)
	}
	if got := p.Flush(); got != nil {
		t.Fatalf("second flush should be empty, got %+v", got)
	}
}

func TestLineParser_NonTaskToolUseIgnored(t *testing.T) {
	input := []byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"x","name":"Bash","input":{}}]}}` + "\n")
	events := collectAll(NewLineParser(), input, len(input))
	if len(events) != 0 {
		t.Fatalf("non-Task tool use should not open a subtask: %+v", events)
	}
}

func TestLineParser_ToolResultErrorMarksSubtaskFailed(t *testing.T) {
	input := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_02","content":"boom","is_error":true}]}}` + "\n"

	events := collectAll(NewLineParser(), []byte(input), len(input))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	ev := events[0]
	if ev.Kind != KindSubtaskCompleted || ev.SubtaskID != "toolu_02" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if !ev.IsError {
		t.Fatal("is_error on the tool result must surface on the event")
	}
}

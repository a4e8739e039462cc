package stream

import (
	"bytes"
	"encoding/json"
	"sync"
)

// Sentinel markers framing structured records inside free-form terminal
// output. The planning assistant is instructed to emit questions and the
// final plan between these markers.
const (
	QuestionStart = "===QUESTION==="
	QuestionEnd   = "===END_QUESTION==="
	PlanStart     = "===PLAN==="
	PlanEnd       = "===END_PLAN==="
)

// maxSentinelBuffer caps retained free-form output while waiting for an end
// marker. A record larger than this is abandoned.
const maxSentinelBuffer = 1 << 20 // 1 MiB

// SentinelParser scans an incrementally fed output stream for sentinel-
// framed records. Matched spans are removed from the retained buffer, so a
// long-lived session does not grow the buffer without bound.
//
// Questions are gated: at most one question is outstanding at a time. A
// question decoded while a prior one is unanswered is held back and released
// by ResolveQuestion. Plans are emitted as soon as they decode.
//
// Safe for concurrent use: Write typically runs on the terminal's data
// callback goroutine while ResolveQuestion runs on the answering caller's.
type SentinelParser struct {
	mu                  sync.Mutex
	buf                 []byte
	questionOutstanding bool
	heldQuestions       []Event
}

// NewSentinelParser returns an empty SentinelParser.
func NewSentinelParser() *SentinelParser {
	return &SentinelParser{}
}

// Write consumes one chunk and returns the events produced by every record
// completed by it, subject to the one-outstanding-question gate.
func (p *SentinelParser) Write(chunk []byte) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		event, matched := p.extractOne()
		if !matched {
			break
		}
		if event != nil {
			events = append(events, p.gate(*event)...)
		}
	}

	p.trim()
	return events
}

// ResolveQuestion marks the outstanding question as answered and releases
// the next held question, if any.
func (p *SentinelParser) ResolveQuestion() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.questionOutstanding = false
	if len(p.heldQuestions) == 0 {
		return nil
	}
	next := p.heldQuestions[0]
	p.heldQuestions = p.heldQuestions[1:]
	p.questionOutstanding = true
	return []Event{next}
}

// QuestionOutstanding reports whether a question is awaiting an answer.
func (p *SentinelParser) QuestionOutstanding() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.questionOutstanding
}

// Flush attempts to decode a final, possibly unterminated record from the
// remaining buffer. Decode failures are swallowed. Called on process end.
func (p *SentinelParser) Flush() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.buf = nil }()

	for _, kind := range []struct {
		start string
		make  func([]byte) *Event
	}{
		{PlanStart, decodePlanRecord},
		{QuestionStart, decodeQuestionRecord},
	} {
		idx := bytes.Index(p.buf, []byte(kind.start))
		if idx < 0 {
			continue
		}
		body := p.buf[idx+len(kind.start):]
		if event := kind.make(body); event != nil {
			return p.gate(*event)
		}
	}
	return nil
}

// extractOne finds the earliest complete record, removes its span from the
// buffer, and returns the decoded event. matched reports whether a span was
// consumed (even if its body failed to decode).
func (p *SentinelParser) extractOne() (*Event, bool) {
	type marker struct {
		start, end string
		make       func([]byte) *Event
	}
	markers := []marker{
		{QuestionStart, QuestionEnd, decodeQuestionRecord},
		{PlanStart, PlanEnd, decodePlanRecord},
	}

	bestIdx := -1
	var best marker
	for _, m := range markers {
		idx := bytes.Index(p.buf, []byte(m.start))
		if idx < 0 {
			continue
		}
		if bytes.Index(p.buf[idx:], []byte(m.end)) < 0 {
			continue
		}
		if bestIdx < 0 || idx < bestIdx {
			bestIdx = idx
			best = m
		}
	}
	if bestIdx < 0 {
		return nil, false
	}

	bodyStart := bestIdx + len(best.start)
	endRel := bytes.Index(p.buf[bodyStart:], []byte(best.end))
	body := p.buf[bodyStart : bodyStart+endRel]
	event := best.make(body)

	// Remove the matched span, keeping surrounding text intact.
	rest := make([]byte, 0, len(p.buf)-(bodyStart+endRel+len(best.end)-bestIdx))
	rest = append(rest, p.buf[:bestIdx]...)
	rest = append(rest, p.buf[bodyStart+endRel+len(best.end):]...)
	p.buf = rest

	return event, true
}

// gate applies the one-outstanding-question rule.
func (p *SentinelParser) gate(event Event) []Event {
	if event.Kind != KindQuestion {
		return []Event{event}
	}
	if p.questionOutstanding {
		p.heldQuestions = append(p.heldQuestions, event)
		return nil
	}
	p.questionOutstanding = true
	return []Event{event}
}

// trim bounds the retained buffer. Without any start marker only a short
// tail (enough to catch a marker straddling the chunk boundary) is kept;
// with an unterminated record the cap abandons it past maxSentinelBuffer.
func (p *SentinelParser) trim() {
	earliest := -1
	for _, start := range []string{QuestionStart, PlanStart} {
		if idx := bytes.Index(p.buf, []byte(start)); idx >= 0 && (earliest < 0 || idx < earliest) {
			earliest = idx
		}
	}

	if earliest < 0 {
		keep := len(QuestionEnd) - 1
		if len(p.buf) > keep {
			p.buf = append(p.buf[:0:0], p.buf[len(p.buf)-keep:]...)
		}
		return
	}

	if earliest > 0 {
		p.buf = append(p.buf[:0:0], p.buf[earliest:]...)
	}
	if len(p.buf) > maxSentinelBuffer {
		p.buf = nil
	}
}

func decodeQuestionRecord(body []byte) *Event {
	var q Question
	if err := json.Unmarshal(bytes.TrimSpace(body), &q); err != nil {
		return nil
	}
	if q.ID == "" {
		return nil
	}
	return &Event{Kind: KindQuestion, Question: &q}
}

func decodePlanRecord(body []byte) *Event {
	var plan Plan
	if err := json.Unmarshal(bytes.TrimSpace(body), &plan); err != nil {
		return nil
	}
	if plan.Summary == "" && len(plan.Issues) == 0 {
		return nil
	}
	return &Event{Kind: KindPlan, Plan: &plan}
}

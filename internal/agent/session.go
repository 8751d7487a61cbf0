// Package agent runs one verification conversation per incident and commits
// exactly one terminal outcome. Each Session owns its incident record and a
// notifier reference; there is no shared dispatch table across calls.
package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/vitalsignal/carecall/internal/incident"
	"github.com/vitalsignal/carecall/internal/notifier"
	"github.com/vitalsignal/carecall/internal/triage"
)

type State int

const (
	StateGreeting State = iota
	StateListening
	StateEscalated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateEscalated:
		return "escalated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Summarizer rewrites the call summary from the transcript. Optional; any
// error falls back to the deterministic summary. It never influences the
// verdict.
type Summarizer interface {
	Summarize(ctx context.Context, transcript []string, verdict triage.Verdict) (string, error)
}

// OutcomeRecorder persists the committed outcome. Optional; a recording
// failure is logged and never reaches the conversation.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, rec incident.Record, outcome, summary, channel string) error
}

// Options carries the per-call collaborators beyond the notifier.
type Options struct {
	Summarizer      Summarizer
	Recorder        OutcomeRecorder
	MaxClarifyTurns int
	Deadline        time.Duration // undecided sessions past this are swept
}

// Session is the decision agent for one call.
type Session struct {
	ID      string
	Channel string
	ChatID  string

	rec        incident.Record
	notifier   notifier.Notifier
	summarizer Summarizer
	recorder   OutcomeRecorder
	maxClarify int
	startedAt  time.Time
	deadline   time.Time

	mu           sync.Mutex
	state        State
	clarifyTurns int
	transcript   []string
	notifyResult string
	summary      string
	done         chan struct{}
}

func NewSession(id string, rec incident.Record, n notifier.Notifier, opts Options) *Session {
	maxClarify := opts.MaxClarifyTurns
	if maxClarify <= 0 {
		maxClarify = 2
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = 3 * time.Minute
	}
	now := time.Now()
	return &Session{
		ID:         id,
		rec:        rec,
		notifier:   n,
		summarizer: opts.Summarizer,
		recorder:   opts.Recorder,
		maxClarify: maxClarify,
		startedAt:  now,
		deadline:   now.Add(deadline),
		state:      StateGreeting,
		done:       make(chan struct{}),
	}
}

func (s *Session) Incident() incident.Record { return s.rec }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Decided reports whether a terminal outcome has been committed.
func (s *Session) Decided() bool {
	st := s.State()
	return st == StateEscalated || st == StateClosed
}

// Expired reports whether the session is still undecided past its deadline.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEscalated || s.state == StateClosed {
		return false
	}
	return now.After(s.deadline)
}

// Done is closed once the committed outcome's notifier and journal work has
// finished. The conversation never waits on it.
func (s *Session) Done() <-chan struct{} { return s.done }

// NotifyResult returns the notifier's confirmation or error string after
// Done is closed.
func (s *Session) NotifyResult() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyResult
}

// Summary returns the committed call summary after a decision.
func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// Greeting returns the agent-initiated opening line and moves the session to
// Listening. It is the only utterance the agent produces unprompted.
func (s *Session) Greeting() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateGreeting {
		s.state = StateListening
	}

	event := "a possible movement anomaly"
	if s.rec.Severity >= 0.7 {
		event = "a possible fall"
	}
	return fmt.Sprintf(
		"Hello, this is your automatic care assistant. Your monitoring device reported %s. Is everything alright, or do you need help?",
		event,
	)
}

// HandleUtterance classifies one reply and, on a terminal verdict, commits
// the outcome. The returned line is spoken regardless of notifier outcome;
// done reports whether the session reached a terminal state.
func (s *Session) HandleUtterance(ctx context.Context, text string) (reply string, done bool) {
	s.mu.Lock()
	if s.state == StateEscalated || s.state == StateClosed {
		s.mu.Unlock()
		return "", true
	}
	if s.state == StateGreeting {
		s.state = StateListening
	}
	if strings.TrimSpace(text) != "" {
		s.transcript = append(s.transcript, text)
	}

	verdict := triage.Classify(text)

	if verdict == triage.VerdictInconclusive {
		s.clarifyTurns++
		if s.clarifyTurns <= s.maxClarify {
			s.mu.Unlock()
			return "This is your automatic care assistant. Your monitoring device reported something unusual, so I am checking on you. Are you alright?", false
		}
		// Too many non-answers: the bias takes over.
		verdict = triage.VerdictEscalate
	}

	return s.commitLocked(ctx, verdict, text)
}

// ForceEscalate commits the emergency branch for sessions that never reached
// a decision (call dropped, classifier stalled). No-op once decided.
func (s *Session) ForceEscalate(ctx context.Context, reason string) (reply string, done bool) {
	s.mu.Lock()
	if s.state == StateEscalated || s.state == StateClosed {
		s.mu.Unlock()
		return "", true
	}
	log.Printf("[agent] session %s force-escalated: %s", s.ID, reason)
	return s.commitLocked(ctx, triage.VerdictEscalate, "")
}

// commitLocked finalizes the session. Caller holds s.mu; it is released
// here. The notifier and journal run in the background so the person on the
// call is never kept waiting on a backend round trip.
func (s *Session) commitLocked(ctx context.Context, verdict triage.Verdict, lastUtterance string) (string, bool) {
	summary := triage.BuildSummary(s.rec, verdict, lastUtterance)
	transcript := make([]string, len(s.transcript))
	copy(transcript, s.transcript)

	var closing string
	switch verdict {
	case triage.VerdictClose:
		s.state = StateClosed
		closing = "I am glad to hear that. I will mark this as a false alarm. Have a nice day."
	default:
		s.state = StateEscalated
		closing = "I understand. I am notifying your emergency contact right away. Please stay on the line."
	}
	s.summary = summary
	s.mu.Unlock()

	go s.finalize(verdict, summary, transcript)

	return closing, true
}

func (s *Session) finalize(verdict triage.Verdict, summary string, transcript []string) {
	defer close(s.done)

	// Detached from the call context: the conversation may already be over.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.summarizer != nil {
		if rewritten, err := s.summarizer.Summarize(ctx, transcript, verdict); err != nil {
			log.Printf("[agent] session %s summarizer failed, using fallback summary: %v", s.ID, err)
		} else if strings.TrimSpace(rewritten) != "" {
			summary = strings.TrimSpace(rewritten)
		}
	}

	var result string
	var outcome string
	if verdict == triage.VerdictClose {
		outcome = "closed"
		result = s.notifier.Close(ctx, s.rec.IncidentID, s.rec.UserID, summary)
	} else {
		outcome = "escalated"
		result = s.notifier.Escalate(ctx, s.rec.IncidentID, s.rec.UserID, s.rec.PhoneNumber, summary)
	}
	log.Printf("[agent] session %s %s: %s", s.ID, outcome, result)

	s.mu.Lock()
	s.notifyResult = result
	s.summary = summary
	s.mu.Unlock()

	if s.recorder != nil {
		if err := s.recorder.RecordOutcome(ctx, s.rec, outcome, summary, s.Channel); err != nil {
			log.Printf("[agent] session %s journal write failed: %v", s.ID, err)
		}
	}
}

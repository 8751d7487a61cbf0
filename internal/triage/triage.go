// Package triage maps one spoken reply onto a call verdict. Classification
// is a pure function over the utterance text so it can be tested without any
// speech pipeline, and the side-effecting outcome dispatch stays downstream
// in the agent session.
package triage

import (
	"fmt"
	"strings"

	"github.com/vitalsignal/carecall/internal/incident"
)

type Verdict int

const (
	// VerdictInconclusive keeps the session listening: the reply was a
	// clarification or deflection, not an answer.
	VerdictInconclusive Verdict = iota
	// VerdictEscalate commits the emergency branch.
	VerdictEscalate
	// VerdictClose commits the false-alarm branch. Reached only on a clear,
	// unambiguous all-clear.
	VerdictClose
)

func (v Verdict) String() string {
	switch v {
	case VerdictEscalate:
		return "escalate"
	case VerdictClose:
		return "close"
	default:
		return "inconclusive"
	}
}

// distressMarkers route straight to escalation. Checked before reassurance
// so "I'm fine but my hip hurts" never closes the incident.
var distressMarkers = []string{
	"fell", "fall", "fallen", "falling",
	"help", "hurt", "hurts", "pain", "painful", "bleeding", "injured",
	"dizzy", "faint", "stuck", "can't get up", "cannot get up", "can't move",
	"cannot move", "can't breathe", "frozen", "freezing up", "emergency",
	"ambulance", "doctor", "hospital",
	"not okay", "not ok", "not fine", "not good", "not well", "not alright",
	"not feeling",
}

// hedgeMarkers signal uncertainty or confusion. The cost policy is
// asymmetric: an uncertain reply is treated as an emergency.
var hedgeMarkers = []string{
	"i think", "i guess", "maybe", "perhaps", "not sure", "unsure",
	"i don't know", "i dont know", "dunno", "possibly", "probably",
	"confused", "i believe so",
}

// allClearMarkers are the only phrases that may close an incident.
var allClearMarkers = []string{
	"i'm fine", "im fine", "i am fine",
	"i'm okay", "im okay", "i am okay", "i'm ok", "im ok", "i am ok",
	"i'm alright", "im alright", "i am alright", "i'm all right",
	"totally fine", "perfectly fine", "completely fine",
	"everything's fine", "everything is fine",
	"everything's okay", "everything is okay", "everything's ok",
	"everything is ok", "everything's alright", "everything is alright",
	"all good", "all is well", "nothing happened", "false alarm",
	"don't need help", "dont need help", "no need for help",
	"don't need any help", "doing fine", "doing well", "feeling fine",
	"feeling good",
}

// negatedDistress phrases are scrubbed before the distress scan so that
// "I don't need help" is not escalated for containing "help".
var negatedDistress = []string{
	"don't need help", "dont need help", "do not need help",
	"no need for help", "don't need any help", "no help needed",
	"didn't fall", "didnt fall", "did not fall",
	"nothing hurts", "no pain", "not hurt",
}

// clarificationMarkers mean the person answered the phone but not the
// question. The session may re-ask once before the escalate bias takes over.
var clarificationMarkers = []string{
	"who is this", "who's this", "who are you", "what is this",
	"what's this", "what happened", "what do you mean", "say that again",
	"can you repeat", "could you repeat", "repeat that", "pardon",
	"didn't hear", "didnt hear", "didn't understand", "didnt understand",
	"come again", "hello?", "what?",
}

// Classify maps a single utterance to a verdict. The gate is one-sided by
// design: every path that is not an explicit all-clear, and not a pure
// clarification, escalates. Silence (empty input) escalates.
func Classify(utterance string) Verdict {
	text := normalize(utterance)

	if text == "" {
		return VerdictEscalate
	}
	scrubbed := text
	for _, phrase := range negatedDistress {
		scrubbed = strings.ReplaceAll(scrubbed, phrase, "")
	}
	if containsAny(scrubbed, distressMarkers) {
		return VerdictEscalate
	}
	if containsAny(text, hedgeMarkers) {
		return VerdictEscalate
	}
	if containsAny(text, allClearMarkers) {
		return VerdictClose
	}
	if containsAny(text, clarificationMarkers) {
		return VerdictInconclusive
	}
	return VerdictEscalate
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	// Unify curly apostrophes so marker matching stays literal.
	s = strings.ReplaceAll(s, "’", "'")
	return s
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// BuildSummary produces the short human-readable rationale attached to an
// outcome. It is the deterministic fallback when no LLM summarizer is
// configured or the summarizer fails.
func BuildSummary(rec incident.Record, verdict Verdict, lastUtterance string) string {
	lastUtterance = strings.TrimSpace(lastUtterance)

	switch verdict {
	case VerdictClose:
		if lastUtterance == "" {
			return "Patient confirmed they are fine; incident closed as false alarm."
		}
		return fmt.Sprintf("Patient confirmed they are fine (%q); incident closed as false alarm.", lastUtterance)
	case VerdictEscalate:
		var sb strings.Builder
		if lastUtterance == "" {
			sb.WriteString("No conclusive response from patient; treating as emergency.")
		} else {
			fmt.Fprintf(&sb, "Patient response %q indicates possible emergency.", lastUtterance)
		}
		if rec.Severity > 0 || rec.Confidence > 0 {
			fmt.Fprintf(&sb, " Device reported severity %.0f%%, confidence %.0f%%.", rec.Severity*100, rec.Confidence*100)
		}
		if rec.Location.Label != "" {
			fmt.Fprintf(&sb, " Last known location: %s.", rec.Location.Label)
		}
		return sb.String()
	default:
		return "Call ended without a decision."
	}
}

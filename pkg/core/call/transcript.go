package call

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Role identifies who said a transcript line.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// TranscriptLine is one committed utterance.
type TranscriptLine struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// TranscriptSnapshot is a copy of the buffer's contents.
type TranscriptSnapshot struct {
	// Original is the user's committed speech; Interpretation is the model's.
	Original         string            `json:"original"`
	Interpretation   string            `json:"interpretation"`
	PartialInput     string            `json:"partial_input,omitempty"`
	PartialOutput    string            `json:"partial_output,omitempty"`
	Lines            []TranscriptLine  `json:"lines"`
	DetectedSpeakers []string          `json:"detected_speakers"`
	SpeakerNames     map[string]string `json:"speaker_names"`
	Sentiment        Sentiment         `json:"sentiment,omitempty"`
}

var speakerPattern = regexp.MustCompile(`(?i)\bspeaker\s+(\d+)\b`)

// TranscriptBuffer accumulates a session's transcript. Committed text only
// grows until Reset. Speaker names survive Reset.
type TranscriptBuffer struct {
	mu             sync.Mutex
	original       strings.Builder
	interpretation strings.Builder
	partialIn      string
	partialOut     string
	lines          []TranscriptLine
	speakers       map[string]struct{}
	speakerOrder   []string
	names          map[string]string
	sentiment      Sentiment
}

func NewTranscriptBuffer() *TranscriptBuffer {
	return &TranscriptBuffer{
		speakers: make(map[string]struct{}),
		names:    make(map[string]string),
	}
}

// Reset clears everything except speaker names.
func (b *TranscriptBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.original.Reset()
	b.interpretation.Reset()
	b.partialIn = ""
	b.partialOut = ""
	b.lines = nil
	b.speakers = make(map[string]struct{})
	b.speakerOrder = nil
	b.sentiment = SentimentUnknown
}

// Apply records a transcript event. A partial replaces the previous partial
// for the same role; a final is appended and clears it. It returns speakers
// seen for the first time.
func (b *TranscriptBuffer) Apply(role Role, text string, final bool) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !final {
		if role == RoleUser {
			b.partialIn = text
		} else {
			b.partialOut = text
		}
		return nil
	}

	text = strings.TrimSpace(text)
	if role == RoleUser {
		b.partialIn = ""
	} else {
		b.partialOut = ""
	}
	if text == "" {
		return nil
	}
	dst := &b.original
	if role == RoleModel {
		dst = &b.interpretation
	}
	if dst.Len() > 0 {
		dst.WriteByte('\n')
	}
	dst.WriteString(text)
	b.lines = append(b.lines, TranscriptLine{Role: role, Text: text})
	return b.detectSpeakers(text)
}

func (b *TranscriptBuffer) detectSpeakers(text string) []string {
	var added []string
	for _, m := range speakerPattern.FindAllStringSubmatch(text, -1) {
		id := "Speaker " + m[1]
		if _, ok := b.speakers[id]; ok {
			continue
		}
		b.speakers[id] = struct{}{}
		b.speakerOrder = append(b.speakerOrder, id)
		added = append(added, id)
	}
	return added
}

func (b *TranscriptBuffer) SetSpeakerName(id, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name = strings.TrimSpace(name)
	if name == "" {
		delete(b.names, id)
		return
	}
	b.names[id] = name
}

func (b *TranscriptBuffer) SpeakerNames() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyNames(b.names)
}

func (b *TranscriptBuffer) SetSentiment(s Sentiment) {
	b.mu.Lock()
	b.sentiment = s
	b.mu.Unlock()
}

// Text renders committed lines as a labelled conversation.
func (b *TranscriptBuffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	for i, l := range b.lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		if l.Role == RoleUser {
			sb.WriteString("User: ")
		} else {
			sb.WriteString("AI: ")
		}
		sb.WriteString(l.Text)
	}
	return sb.String()
}

// OriginalLen is the length of the committed user transcript.
func (b *TranscriptBuffer) OriginalLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.original.Len()
}

func (b *TranscriptBuffer) Snapshot() TranscriptSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	speakers := append([]string(nil), b.speakerOrder...)
	sort.SliceStable(speakers, func(i, j int) bool { return speakerNum(speakers[i]) < speakerNum(speakers[j]) })
	return TranscriptSnapshot{
		Original:         b.original.String(),
		Interpretation:   b.interpretation.String(),
		PartialInput:     b.partialIn,
		PartialOutput:    b.partialOut,
		Lines:            append([]TranscriptLine(nil), b.lines...),
		DetectedSpeakers: speakers,
		SpeakerNames:     copyNames(b.names),
		Sentiment:        b.sentiment,
	}
}

func speakerNum(id string) int {
	n := 0
	for _, r := range strings.TrimPrefix(id, "Speaker ") {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func copyNames(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

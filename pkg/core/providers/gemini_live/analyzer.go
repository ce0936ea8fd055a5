package gemini_live

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/genai"
)

// Sentiment labels returned by DetectSentiment.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

// Analyzer runs one-shot text analysis next to a call: sentiment of the
// latest utterance and a cleanup pass over the finished transcript.
type Analyzer struct {
	generate func(ctx context.Context, prompt string) (string, error)
}

// Analyzer returns an Analyzer backed by the client's analysis model.
func (c *Client) Analyzer() *Analyzer {
	return &Analyzer{generate: func(ctx context.Context, prompt string) (string, error) {
		resp, err := c.genai.Models.GenerateContent(ctx, c.analysisModel, genai.Text(prompt), nil)
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}}
}

// DetectSentiment classifies text. It returns "" when text is blank or the
// model answers with anything other than one of the three labels.
func (a *Analyzer) DetectSentiment(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	prompt := "Analyze the sentiment of the following text and return only one word: 'positive', 'negative', or 'neutral'.\n\nTEXT: \"" + text + "\""
	out, err := a.generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("detect sentiment: %w", err)
	}
	switch label := strings.Trim(strings.ToLower(strings.TrimSpace(out)), ".'\""); label {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return label, nil
	default:
		return "", nil
	}
}

// PolishTranscript fixes grammar and punctuation in a raw transcript and
// replaces "Speaker N" labels with known names. On failure the raw
// transcript is returned along with the error.
func (a *Analyzer) PolishTranscript(ctx context.Context, transcript string, speakerNames map[string]string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return transcript, nil
	}
	var b strings.Builder
	b.WriteString("Please polish the following raw meeting transcript. Correct any grammatical errors, fix punctuation, and improve readability. Do not change the meaning. If speaker names are provided, replace speaker IDs (e.g., \"Speaker 1\") with their actual names.\n\n")
	b.WriteString("The speakers are identified as follows:\n")
	ids := make([]string, 0, len(speakerNames))
	for id := range speakerNames {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if name := strings.TrimSpace(speakerNames[id]); name != "" {
			fmt.Fprintf(&b, "- %s: %s\n", id, name)
		}
	}
	b.WriteString("\nRAW TRANSCRIPT:\n")
	b.WriteString(transcript)

	out, err := a.generate(ctx, b.String())
	if err != nil {
		return transcript, fmt.Errorf("polish transcript: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return transcript, nil
	}
	return out, nil
}

package companion

import (
	"fmt"
	"strings"

	"github.com/vango-go/vai-companion/pkg/core/call"
)

// The two built-in assistant personas.
var (
	AgentZero = call.Persona{Name: "Agent Zero", Voice: "Algieba"}
	AgentZara = call.Persona{Name: "Agent Zara", Voice: "Kore"}
)

// Voices are the prebuilt voices a persona may speak with.
var Voices = []string{"Zephyr", "Puck", "Charon", "Kore", "Algieba"}

// ValidVoice reports whether v is one of Voices.
func ValidVoice(v string) bool {
	for _, name := range Voices {
		if name == v {
			return true
		}
	}
	return false
}

// OtherPersona returns the built-in persona that is not p.
func OtherPersona(p call.Persona) call.Persona {
	if p.Name == AgentZara.Name {
		return AgentZero
	}
	return AgentZara
}

// DefaultInstruction is the system instruction for an assistant persona.
func DefaultInstruction(p call.Persona) string {
	if p.Name == "" {
		return "You are a helpful AI assistant."
	}
	return fmt.Sprintf("You are %s, a helpful AI assistant. Keep spoken replies short and natural.", p.Name)
}

// Education is one entry of a contact's education history.
type Education struct {
	Institution string `json:"institution"`
	Degree      string `json:"degree"`
	Year        int    `json:"year"`
}

// Contact is a person the user can call. The model role-plays them.
type Contact struct {
	Name        string      `json:"name"`
	Title       string      `json:"title"`
	Personality string      `json:"personality"`
	Backstory   string      `json:"backstory"`
	CityOfBirth string      `json:"city_of_birth"`
	CurrentCity string      `json:"current_city"`
	Education   []Education `json:"education"`
	Hobbies     []string    `json:"hobbies"`
	Friends     []string    `json:"friends"`
}

// ContactInstruction builds the system instruction for calling c.
func ContactInstruction(c Contact) string {
	edu := make([]string, 0, len(c.Education))
	for _, e := range c.Education {
		edu = append(edu, fmt.Sprintf("%s from %s (%d)", e.Degree, e.Institution, e.Year))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, %s.\n\n", c.Name, c.Title)
	fmt.Fprintf(&b, "PERSONALITY & BACKGROUND:\n%s\n\n", c.Personality)
	b.WriteString("YOUR DETAILS:\n")
	fmt.Fprintf(&b, "- Born in: %s\n", c.CityOfBirth)
	fmt.Fprintf(&b, "- Current city: %s\n", c.CurrentCity)
	fmt.Fprintf(&b, "- Education: %s\n", strings.Join(edu, ", "))
	fmt.Fprintf(&b, "- Hobbies: %s\n", strings.Join(c.Hobbies, ", "))
	fmt.Fprintf(&b, "- Friends: %s\n\n", strings.Join(c.Friends, ", "))
	fmt.Fprintf(&b, "BACKSTORY:\n%s\n\n", c.Backstory)
	b.WriteString("COMMUNICATION STYLE:\n")
	b.WriteString("- Be natural and conversational\n")
	b.WriteString("- Reference your background authentically when relevant\n")
	b.WriteString("- Maintain your professional persona while being friendly\n")
	b.WriteString("- Speak as if you're having a real phone/video conversation\n")
	b.WriteString("- Feel free to ask about the user and engage in two-way dialogue\n\n")
	b.WriteString("Remember: You ARE this person. Respond as they would in a real conversation.")
	return b.String()
}

package companion

import (
	"strings"
	"testing"

	"github.com/vango-go/vai-companion/pkg/core/call"
)

func TestContactInstruction(t *testing.T) {
	c := Contact{
		Name:        "Aisha Patel",
		Title:       "Human Rights Lawyer",
		Personality: "Fierce in court, gentle in person.",
		Backstory:   "Born in London to Indian immigrants.",
		CityOfBirth: "London, United Kingdom",
		CurrentCity: "Geneva, Switzerland",
		Education: []Education{
			{Institution: "Oxford University", Degree: "D.Phil. in Law", Year: 2016},
			{Institution: "King's College London", Degree: "LL.B. Law", Year: 2010},
		},
		Hobbies: []string{"Hiking", "Poetry"},
		Friends: []string{"Elena Rodriguez"},
	}
	got := ContactInstruction(c)
	for _, want := range []string{
		"You are Aisha Patel, Human Rights Lawyer.",
		"PERSONALITY & BACKGROUND:\nFierce in court, gentle in person.",
		"- Born in: London, United Kingdom\n",
		"- Education: D.Phil. in Law from Oxford University (2016), LL.B. Law from King's College London (2010)\n",
		"- Hobbies: Hiking, Poetry\n",
		"BACKSTORY:\nBorn in London to Indian immigrants.",
		"Remember: You ARE this person.",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("instruction missing %q:\n%s", want, got)
		}
	}
}

func TestOtherPersonaAndVoices(t *testing.T) {
	if OtherPersona(AgentZero) != AgentZara || OtherPersona(AgentZara) != AgentZero {
		t.Fatalf("OtherPersona does not alternate")
	}
	if OtherPersona(call.Persona{Name: "custom"}) != AgentZara {
		t.Fatalf("unknown persona should switch to Agent Zara")
	}
	if !ValidVoice("Kore") || ValidVoice("kore") {
		t.Fatalf("voice matching should be exact")
	}
}

func TestHistory_Bounded(t *testing.T) {
	h := NewHistory(2)
	for _, id := range []string{"a", "b", "c"} {
		h.Add(call.CallRecord{ID: id})
	}
	got := h.Records()
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("records=%+v, want c,b", got)
	}
}

// Package prompt assembles the single string passed to a backend, per
// the structural contract of spec.md §4.F: an <sop> block (base text,
// guardrails, primed memories, hat block), zero or more tagged
// <addendums>, and an optional <user-content> block. Build is pure:
// identical inputs always produce byte-identical output.
package prompt

import (
	"fmt"
	"strings"

	"github.com/hats-run/hats/pkg/models"
)

// Addendum is an ordered, tagged string pair appended inside
// <addendums>. Passing an empty slice to Build produces the same
// output as omitting addendums entirely.
type Addendum struct {
	Tag     string
	Content string
}

// Input is everything Build needs to assemble a prompt.
type Input struct {
	BasePrompt   string
	Guardrails   []string
	Memories     []models.Memory
	Hat          models.Hat
	TriggerEvent models.Event
	Addendums    []Addendum
	UserContent  string
}

// Build assembles the prompt string described in spec.md §4.F.
func Build(in Input) string {
	var b strings.Builder

	b.WriteString("<sop>\n")
	b.WriteString("  ")
	b.WriteString(in.BasePrompt)
	b.WriteString("\n")

	b.WriteString("  ---\n")
	b.WriteString("  GUARDRAILS:\n")
	for _, g := range in.Guardrails {
		fmt.Fprintf(&b, "  - %s\n", g)
	}

	b.WriteString("  ---\n")
	b.WriteString("  MEMORIES (budgeted):\n")
	for _, m := range in.Memories {
		fmt.Fprintf(&b, "  %s [%s]\n", m.Content, strings.Join(m.Tags, ","))
	}

	b.WriteString("  ---\n")
	fmt.Fprintf(&b, "  HAT: %s (%s)\n", in.Hat.ID, in.Hat.DisplayName)
	fmt.Fprintf(&b, "  RESPONSIBILITY: %s\n", in.Hat.Description)
	fmt.Fprintf(&b, "  TRIGGER: %s payload=%s\n", in.TriggerEvent.Topic, in.TriggerEvent.Payload)
	fmt.Fprintf(&b, "  MAY PUBLISH: %s\n", strings.Join(in.Hat.Publications, ", "))
	b.WriteString("  INSTRUCTIONS:\n")
	b.WriteString("  ")
	b.WriteString(in.Hat.Instructions)
	b.WriteString("\n")
	b.WriteString("</sop>\n")

	b.WriteString("<addendums>\n")
	for _, a := range in.Addendums {
		fmt.Fprintf(&b, "  <%s>%s</%s>\n", a.Tag, a.Content, a.Tag)
	}
	b.WriteString("</addendums>\n")

	if in.UserContent != "" {
		fmt.Fprintf(&b, "<user-content>%s</user-content>\n", in.UserContent)
	}

	return b.String()
}

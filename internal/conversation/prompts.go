package conversation

import (
	"fmt"
	"strings"

	"github.com/comigor/khitab/internal/llm"
	"github.com/comigor/khitab/internal/session"
)

const editSystemPrompt = `You are an editor of formal Arabic business letters.
You receive the letter currently on the user's screen and one piece of feedback.
Rules:
- Change only what the feedback asks for.
- Preserve the structure, the language and every detail the feedback does not mention, verbatim.
- Keep the greeting, the closing, names, dates and signatures unless the feedback targets them.
- Return only the full updated letter, with no commentary, no headings and no code fences.`

const askSystemPrompt = `You are an assistant helping a user refine a formal Arabic business letter.
Answer the user's question about the letter clearly and briefly, in the language of the question.
Do not rewrite the letter unless the user explicitly asks for it.`

// contextTurns converts the stored conversation to model context. The
// original letter, when present, opens the conversation.
func contextTurns(sess *session.Session) []llm.Turn {
	turns := make([]llm.Turn, 0, len(sess.History)+1)
	if sess.OriginalLetter != "" {
		turns = append(turns, llm.Turn{
			Role:    session.RoleUser,
			Content: "The original letter, as first generated:\n\n" + sess.OriginalLetter,
		})
	}
	for _, m := range sess.History {
		turns = append(turns, llm.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

func editRequest(sess *session.Session, currentLetter, feedback string) llm.Request {
	return llm.Request{
		System:  editSystemPrompt,
		Context: contextTurns(sess),
		Instruction: fmt.Sprintf("Current letter:\n\n%s\n\nFeedback:\n%s\n\nReturn the updated letter.",
			currentLetter, feedback),
	}
}

func askRequest(sess *session.Session, question, currentLetter string) llm.Request {
	instruction := "Question:\n" + question
	if currentLetter != "" {
		instruction = "Current letter:\n\n" + currentLetter + "\n\n" + instruction
	}
	return llm.Request{
		System:      askSystemPrompt,
		Context:     contextTurns(sess),
		Instruction: instruction,
	}
}

// cleanLetter removes a surrounding markdown fence some models add despite
// the instructions.
func cleanLetter(out string) string {
	out = strings.TrimSpace(out)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	out = strings.TrimPrefix(out, "```")
	if nl := strings.IndexByte(out, '\n'); nl >= 0 {
		// drop a language tag such as ```text
		out = out[nl+1:]
	}
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	return strings.TrimSpace(out)
}

// SummarizeChange describes the line-level difference between two letters.
func SummarizeChange(before, after string) string {
	if before == after {
		return "no changes"
	}
	a := strings.Split(before, "\n")
	b := strings.Split(after, "\n")

	changed := 0
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			changed++
		}
	}
	added := max(len(b)-len(a), 0)
	removed := max(len(a)-len(b), 0)

	parts := []string{plural(changed, "line changed", "lines changed")}
	if added > 0 {
		parts = append(parts, plural(added, "line added", "lines added"))
	}
	if removed > 0 {
		parts = append(parts, plural(removed, "line removed", "lines removed"))
	}
	return strings.Join(parts, ", ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}

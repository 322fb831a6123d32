package session

import (
	"strings"

	"github.com/MrWong99/carevoice/pkg/provider/live"
)

// DefaultVoice is the prebuilt voice used when none is configured.
const DefaultVoice = "Zephyr"

// DefaultLanguages are the languages the assistant detects and answers in
// when none are configured.
var DefaultLanguages = []string{"English", "Spanish", "French", "German", "Portuguese", "Hindi", "Mandarin Chinese"}

// disclaimer is appended to every system instruction, including custom ones.
const disclaimer = "You are not a doctor and cannot diagnose conditions or prescribe treatment. " +
	"Whenever the user asks about symptoms, medication or a diagnosis, say clearly that you are not a doctor " +
	"and recommend consulting a qualified healthcare professional. In an emergency, tell them to contact local emergency services immediately."

// InstructionOptions controls [BuildInstruction].
type InstructionOptions struct {
	// Languages the assistant may detect and answer in. Empty selects
	// [DefaultLanguages].
	Languages []string

	// Extra is appended after the base persona, e.g. an operator-provided
	// specialisation.
	Extra string
}

// BuildInstruction renders the system instruction sent when a connection is
// opened. The not-a-doctor disclaimer and the plain-speech constraint are
// always present.
func BuildInstruction(opts InstructionOptions) string {
	langs := opts.Languages
	if len(langs) == 0 {
		langs = DefaultLanguages
	}

	var b strings.Builder
	b.WriteString("You are a friendly, patient health information assistant having a spoken conversation. ")
	b.WriteString("Detect which of the following languages the user is speaking and always answer in that language: ")
	b.WriteString(strings.Join(langs, ", "))
	b.WriteString(". If the language is not in that list, answer in English. ")
	b.WriteString("Your answers are spoken aloud, so never use markdown, lists, headings, emojis or any other formatting. Keep answers short and conversational.")
	if extra := strings.TrimSpace(opts.Extra); extra != "" {
		b.WriteString("\n\n")
		b.WriteString(extra)
	}
	b.WriteString("\n\n")
	b.WriteString(disclaimer)
	return b.String()
}

// LiveConfig is the subset of settings the manager turns into a [live.Config]
// for every new session.
type LiveConfig struct {
	Model               string
	Voice               string
	Languages           []string
	Instructions        string
	InputTranscription  bool
	OutputTranscription bool
}

// DefaultLiveConfig returns the configuration used when none is supplied:
// both transcription directions on and the default voice. The model is left
// to the dialer's default.
func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		Voice:               DefaultVoice,
		InputTranscription:  true,
		OutputTranscription: true,
	}
}

// build converts c into the connection payload.
func (c LiveConfig) build() live.Config {
	voice := c.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	return live.Config{
		Model:               strings.TrimPrefix(c.Model, "models/"),
		ResponseModality:    live.ModalityAudio,
		InputTranscription:  c.InputTranscription,
		OutputTranscription: c.OutputTranscription,
		Voice:               voice,
		SystemInstruction:   BuildInstruction(InstructionOptions{Languages: c.Languages, Extra: c.Instructions}),
	}
}

package postprocess

const (
	titleSystemPrompt = "Write a short title for this conversation. At most 4 words, no punctuation. Reply with the title only."

	summarySystemPrompt = "Summarize this conversation in one paragraph. Keep the main topic and any important facts, names or variables that were discussed."
)

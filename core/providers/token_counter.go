package providers

// TokenCounter estimates token usage for budget decisions. Estimates
// only need to be consistent, not exact: the conversation engine uses
// them to decide when to summarize, never for billing.
type TokenCounter interface {
	Count(messages []Message) (int, error)
	CountText(text string) (int, error)
}

type TokenCounterConfig struct {
	FallbackCharsPerToken int
}

func DefaultTokenCounterConfig() TokenCounterConfig {
	return TokenCounterConfig{
		FallbackCharsPerToken: 4,
	}
}

// CharacterBasedCounter approximates tokens as ceil(chars/4), the
// usual rough figure for English text.
type CharacterBasedCounter struct {
	config TokenCounterConfig
}

func NewCharacterBasedCounter(config TokenCounterConfig) *CharacterBasedCounter {
	if config.FallbackCharsPerToken <= 0 {
		config.FallbackCharsPerToken = 4
	}
	return &CharacterBasedCounter{config: config}
}

func (c *CharacterBasedCounter) Count(messages []Message) (int, error) {
	total := 0
	for _, msg := range messages {
		total += c.countMessage(msg)
	}
	return total, nil
}

func (c *CharacterBasedCounter) countMessage(msg Message) int {
	tokens := c.charsToTokens(len(msg.Content))
	for _, call := range msg.ToolCalls {
		tokens += c.charsToTokens(len(call.Name))
		tokens += c.charsToTokens(len(call.Arguments))
	}
	return tokens
}

func (c *CharacterBasedCounter) CountText(text string) (int, error) {
	return c.charsToTokens(len(text)), nil
}

func (c *CharacterBasedCounter) charsToTokens(chars int) int {
	return (chars + c.config.FallbackCharsPerToken - 1) / c.config.FallbackCharsPerToken
}

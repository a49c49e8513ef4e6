// Package classify decides whether an inbound message is a quick question
// or a task for the agent.
//
// Deterministic triggers are checked first, in priority order: the explicit
// prefix, a repository URL or git vocabulary, then file or command
// vocabulary. Only when none match is the model asked, once, to pick a
// label. Any model failure or unusable answer falls back to a quick query.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/iambrandonn/orca/internal/llm"
	"github.com/iambrandonn/orca/internal/protocol"
)

const (
	DefaultTrigger      = "/task"
	DefaultCacheSize    = 512
	DefaultModelTimeout = 10 * time.Second

	systemPrompt = `You route chat messages for a coding assistant.
Reply with exactly one word:
task  - the user wants files created or changed, code run, or a repository worked on
quick - anything that can be answered in conversation
`
)

var (
	repoURLPattern = regexp.MustCompile(`(?i)(?:https://|ssh://|git@)[^\s<>"'` + "`" + `]*?(?:github\.com|gitlab\.com|bitbucket\.org|\.git\b)[^\s<>"'` + "`" + `]*`)
	gitVocabulary  = regexp.MustCompile(`(?i)\b(?:git\s+(?:clone|pull|push|checkout|commit|rebase|merge|diff)|clone)\b`)
	actionPattern  = regexp.MustCompile(`(?i)\b(?:create|write|edit|modify|update|refactor|fix|implement|add|delete|remove|rename|generate|scaffold)\b.{0,80}?\b(?:files?|scripts?|functions?|tests?|modules?|packages?|directory|directories|folders?|readme|dockerfile|makefile|[\w.-]+\.(?:go|py|js|ts|tsx|jsx|md|json|ya?ml|toml|txt|sh|rs|java|rb|c|h|cpp|html|css|sql))\b`)
	commandPattern = regexp.MustCompile("(?i)\\b(?:run|execute|install|compile|build)\\b\\s+(?:`[^`]+`|the\\s+tests?\\b|tests?\\b|(?:npm|go|make|cargo|pip|pytest|yarn|pnpm)\\b)")
)

// Observer is told about every decision.
type Observer interface {
	Classified(kind, source string)
}

// Options configures a Classifier
type Options struct {
	Trigger      string
	CacheSize    int
	ModelTimeout time.Duration
	Observer     Observer
}

// Classifier routes messages
type Classifier struct {
	model    llm.Model
	trigger  string
	timeout  time.Duration
	cache    *lru.Cache[string, bool]
	observer Observer
	logger   *slog.Logger
}

// New creates a Classifier. model may be nil, in which case unmatched
// messages are quick queries.
func New(model llm.Model, opts Options, logger *slog.Logger) (*Classifier, error) {
	if opts.Trigger == "" {
		opts.Trigger = DefaultTrigger
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = DefaultModelTimeout
	}
	cache, err := lru.New[string, bool](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create classification cache: %w", err)
	}
	return &Classifier{
		model:    model,
		trigger:  opts.Trigger,
		timeout:  opts.ModelTimeout,
		cache:    cache,
		observer: opts.Observer,
		logger:   logger,
	}, nil
}

// Classify never fails; errors degrade to a quick query.
func (c *Classifier) Classify(ctx context.Context, text string) Intent {
	intent := c.classify(ctx, text)
	if c.observer != nil {
		c.observer.Classified(intent.Kind(), SourceOf(intent))
	}
	c.logger.Debug("message classified", "intent", intent.Kind(), "source", SourceOf(intent))
	return intent
}

func (c *Classifier) classify(ctx context.Context, text string) Intent {
	trimmed := strings.TrimSpace(text)
	repo := RepoRef(trimmed)

	if prompt, ok := c.StripTrigger(trimmed); ok {
		return TaskExecution{Source: SourceTrigger, Prompt: prompt, RepoRef: repo}
	}
	if repo != "" || gitVocabulary.MatchString(trimmed) {
		return TaskExecution{Source: SourceRepo, Prompt: trimmed, RepoRef: repo}
	}
	if actionPattern.MatchString(trimmed) || commandPattern.MatchString(trimmed) {
		return TaskExecution{Source: SourceAction, Prompt: trimmed}
	}
	if trimmed == "" || c.model == nil {
		return QuickQuery{Source: SourceFallback}
	}

	key := cacheKey(trimmed)
	if isTask, ok := c.cache.Get(key); ok {
		if isTask {
			return TaskExecution{Source: SourceCache, Prompt: trimmed}
		}
		return QuickQuery{Source: SourceCache}
	}

	isTask, err := c.askModel(ctx, trimmed)
	if err != nil {
		c.logger.Warn("classification fell back to quick query",
			"kind", protocol.KindClassification,
			"error", err)
		return QuickQuery{Source: SourceFallback}
	}
	c.cache.Add(key, isTask)
	if isTask {
		return TaskExecution{Source: SourceModel, Prompt: trimmed}
	}
	return QuickQuery{Source: SourceModel}
}

func (c *Classifier) askModel(ctx context.Context, text string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	answer, err := c.model.Complete(ctx, llm.Request{
		System:    systemPrompt,
		Messages:  []llm.Message{{Role: protocol.RoleUser, Text: text}},
		MaxTokens: 5,
	})
	if err != nil {
		return false, protocol.NewTaskError(protocol.KindClassification, err, "model call failed")
	}

	label := strings.ToLower(strings.TrimFunc(answer, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}))
	switch {
	case label == "task":
		return true, nil
	case label == "quick":
		return false, nil
	default:
		return false, protocol.NewTaskError(protocol.KindClassification, nil, "unusable label %q", answer)
	}
}

// StripTrigger removes the explicit task prefix. It reports false when text
// does not start with the trigger as a whole word.
func (c *Classifier) StripTrigger(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if len(text) < len(c.trigger) || !strings.EqualFold(text[:len(c.trigger)], c.trigger) {
		return "", false
	}
	rest := text[len(c.trigger):]
	if rest != "" && !unicode.IsSpace(rune(rest[0])) && rest[0] != ':' {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(rest, ":")), true
}

// RepoRef returns the first repository URL in text.
func RepoRef(text string) string {
	ref := repoURLPattern.FindString(text)
	return strings.TrimRight(ref, ".,;:)]}!?")
}

func cacheKey(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

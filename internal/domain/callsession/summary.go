package callsession

import (
	"strings"
	"time"
)

// CategoryClassifier derives a session focus from free-text signals. ok is
// false when no signal matched.
type CategoryClassifier interface {
	Classify(signals []string) (cat Category, ok bool)
}

// SummaryTemplate is the narrative content produced for one category.
type SummaryTemplate struct {
	Text        string
	KeyPoints   []string
	ActionItems []string
}

// TemplateProvider maps a category to its summary content. The same category
// must always yield the same content.
type TemplateProvider interface {
	Template(cat Category) SummaryTemplate
}

// KeywordRule matches a category when any keyword occurs in a signal.
type KeywordRule struct {
	Category Category
	Keywords []string
}

// KeywordClassifier applies rules in order; the first match wins.
type KeywordClassifier struct {
	Rules []KeywordRule
}

// DefaultKeywordClassifier checks anxiety before depression.
func DefaultKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{Rules: []KeywordRule{
		{Category: CategoryAnxiety, Keywords: []string{"anxiety", "anxious", "panic"}},
		{Category: CategoryDepression, Keywords: []string{"depression", "depressive", "depressed"}},
	}}
}

func (k *KeywordClassifier) Classify(signals []string) (Category, bool) {
	for _, rule := range k.Rules {
		for _, s := range signals {
			s = strings.ToLower(s)
			for _, kw := range rule.Keywords {
				if strings.Contains(s, kw) {
					return rule.Category, true
				}
			}
		}
	}
	return "", false
}

// StaticTemplates is a fixed category -> template table. Unknown categories
// fall back to CategoryGeneral.
type StaticTemplates map[Category]SummaryTemplate

// DefaultTemplates returns the built-in therapy session templates.
func DefaultTemplates() StaticTemplates {
	return StaticTemplates{
		CategoryGeneral: {
			Text:        "Session focused on progress review and treatment planning.",
			KeyPoints:   []string{"Reviewed progress since last session", "Discussed treatment goals"},
			ActionItems: []string{"Continue with homework assignments", "Practice coping strategies"},
		},
		CategoryAnxiety: {
			Text:        "Session focused on anxiety management techniques and progress review.",
			KeyPoints:   []string{"Breathing exercises working well", "Reduced anxiety in social situations"},
			ActionItems: []string{"Continue daily mindfulness practice", "Use grounding techniques when anxious"},
		},
		CategoryDepression: {
			Text:        "Session addressed depressive symptoms and behavioral activation strategies.",
			KeyPoints:   []string{"Slight improvement in mood", "Successfully engaged in planned activities"},
			ActionItems: []string{"Maintain activity schedule", "Monitor mood changes"},
		},
	}
}

func (t StaticTemplates) Template(cat Category) SummaryTemplate {
	if tpl, ok := t[cat]; ok {
		return tpl
	}
	return t[CategoryGeneral]
}

// SummaryGenerator builds post-call summaries from a classifier and a
// template provider.
type SummaryGenerator struct {
	classifier CategoryClassifier
	templates  TemplateProvider
}

// NewSummaryGenerator wires a classifier and template provider.
func NewSummaryGenerator(classifier CategoryClassifier, templates TemplateProvider) *SummaryGenerator {
	return &SummaryGenerator{classifier: classifier, templates: templates}
}

// DefaultSummaryGenerator uses keyword classification and the built-in
// templates.
func DefaultSummaryGenerator() *SummaryGenerator {
	return NewSummaryGenerator(DefaultKeywordClassifier(), DefaultTemplates())
}

// Categorize picks the category for call c. Signals on the call itself win;
// otherwise the most recent categorised summary among the first maxReview
// prior sessions is reused. prior must be ordered newest first.
func (g *SummaryGenerator) Categorize(c *Call, prior []*Call, maxReview int) Category {
	signals := append([]string{c.PatientName}, c.Tags...)
	if cat, ok := g.classifier.Classify(signals); ok {
		return cat
	}

	reviewed := 0
	for _, p := range prior {
		if reviewed >= maxReview {
			break
		}
		if p.ID == c.ID {
			continue
		}
		reviewed++
		if p.Summary != nil && p.Summary.Category != "" && p.Summary.Category != CategoryGeneral {
			return p.Summary.Category
		}
	}
	return CategoryGeneral
}

// Generate produces a fresh summary for c.
func (g *SummaryGenerator) Generate(c *Call, prior []*Call, maxReview int, now time.Time) *Summary {
	cat := g.Categorize(c, prior, maxReview)
	tpl := g.templates.Template(cat)
	return &Summary{
		CallID:      c.ID,
		SummaryText: tpl.Text,
		KeyPoints:   append([]string(nil), tpl.KeyPoints...),
		ActionItems: append([]string(nil), tpl.ActionItems...),
		AIAssisted:  true,
		Category:    cat,
		GeneratedAt: now,
	}
}

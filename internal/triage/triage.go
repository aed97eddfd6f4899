package triage

import (
	"regexp"
	"strings"
)

type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

type Intent string

const (
	IntentNone    Intent = ""
	IntentRepair  Intent = "repair"
	IntentSell    Intent = "sell"
	IntentBuy     Intent = "buy"
	IntentGeneral Intent = "general"
)

// Keyword sets shared with the response rules.
var (
	SellKeywords    = []string{"sell", "trade", "worth"}
	PriceKeywords   = []string{"price", "cost", "much"}
	BookingKeywords = []string{"book", "appointment", "time"}

	buyKeywords     = []string{"buy", "purchase", "refurbished"}
	repairKeywords  = []string{"screen", "battery", "repair", "fix", "broken", "cracked"}
	generalKeywords = []string{"hi", "hello", "hey", "help", "hours", "open", "where", "store info"}
)

// criticalPattern matches issues that risk permanent damage or data loss.
var criticalPattern = regexp.MustCompile(`water|wet|dropped in|liquid|won.?t turn on|black screen`)

// Result is the classification of a single message. It is not stored.
type Result struct {
	IsCritical bool
	Intent     Intent
}

// Context is the per-session triage state.
type Context struct {
	Urgency Urgency `json:"urgency"`
	Intent  Intent  `json:"intent,omitempty"`
}

func NewContext() Context {
	return Context{Urgency: UrgencyNormal}
}

// Apply folds a classification into the context. Urgency only ever escalates.
func (c *Context) Apply(r Result) {
	if r.IsCritical {
		c.Urgency = UrgencyCritical
	}
	if r.Intent != IntentNone {
		c.Intent = r.Intent
	}
}

// Normalize lower-cases and trims input before matching.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Classify performs keyword heuristics for urgency and intent.
func Classify(text string) Result {
	m := Normalize(text)
	if m == "" {
		return Result{}
	}
	if criticalPattern.MatchString(m) {
		return Result{IsCritical: true, Intent: IntentRepair}
	}
	switch {
	case ContainsAny(m, SellKeywords):
		return Result{Intent: IntentSell}
	case ContainsAny(m, buyKeywords):
		return Result{Intent: IntentBuy}
	case ContainsAny(m, PriceKeywords), ContainsAny(m, BookingKeywords), ContainsAny(m, repairKeywords):
		return Result{Intent: IntentRepair}
	case containsWord(m, generalKeywords):
		return Result{Intent: IntentGeneral}
	}
	return Result{}
}

func ContainsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// containsWord matches whole words so that "hi" does not fire on "this".
func containsWord(s string, words []string) bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	joined := " " + strings.Join(fields, " ") + " "
	for _, w := range words {
		if strings.Contains(joined, " "+w+" ") {
			return true
		}
	}
	return false
}

package responder

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"techbot-backend/internal/triage"
)

// UrgentMarker opens every reply produced for a critical issue.
const UrgentMarker = "🚨"

// Input is everything a rule may look at.
type Input struct {
	Text           string
	Classification triage.Result
	Context        triage.Context
}

// Reply is a marked-up body plus the quick actions offered with it.
// Bodies use **bold** spans and literal newlines; rendering is left to the sink.
type Reply struct {
	Body    string
	Actions []string
}

// Slot is an appointment time offered by the booking rule.
type Slot struct {
	Time  string
	Label string
}

// parts splits "2:00 PM" into "2", "00" and "pm".
func (s Slot) parts() (hour, minute, meridiem string) {
	hm, mer, _ := strings.Cut(s.Time, " ")
	hour, minute, _ = strings.Cut(hm, ":")
	return hour, minute, strings.ToLower(mer)
}

func (s Slot) matches(hour, minute, meridiem string) bool {
	h, m, mer := s.parts()
	return hour == h && (minute == "" || minute == m) && (meridiem == "" || meridiem == mer)
}

func (s Slot) action() string { return "Book " + s.Time }

var openSlots = []Slot{
	{Time: "2:00 PM", Label: "Standard"},
	{Time: "4:30 PM", Label: "Priority"},
	{Time: "6:15 PM", Label: "Last Call"},
}

type rule struct {
	name  string
	match func(in Input, text string) bool
	reply func(in Input, text string) Reply
}

// rules are evaluated in order; the first match wins. Order matters because
// categories overlap ("how much for a water damage repair" is critical, not a quote).
var rules = []rule{
	{name: "critical", match: isCritical, reply: urgentReply},
	{name: "sell", match: hasAny(triage.SellKeywords), reply: tradeInReply},
	{name: "price", match: hasAny(triage.PriceKeywords), reply: quoteReply},
	{name: "booking", match: isBookingRequest, reply: slotsReply},
	{name: "confirm", match: isSlotConfirmation, reply: confirmReply},
	{name: "default", match: func(Input, string) bool { return true }, reply: menuReply},
}

// Select runs the rule chain. It is total and deterministic.
func Select(in Input) Reply {
	_, r := SelectNamed(in)
	return r
}

// SelectNamed is Select plus the name of the rule that fired.
func SelectNamed(in Input) (string, Reply) {
	text := triage.Normalize(in.Text)
	for _, r := range rules {
		if r.match(in, text) {
			return r.name, r.reply(in, text)
		}
	}
	// unreachable: the default rule always matches
	return "default", menuReply(in, text)
}

// Greeting is shown when a widget session opens with an empty history.
func Greeting(assistantName string) Reply {
	if strings.TrimSpace(assistantName) == "" {
		assistantName = "TechBot"
	}
	return Reply{
		Body: fmt.Sprintf("👋 **Hi! I'm %s.**\nI can give you an instant Quote, check Device values, or book an urgent Repair. How can I help?", assistantName),
		Actions: []string{
			"Broken Screen", "Sell My Phone", "Water Damage", "Check Status",
		},
	}
}

func isCritical(in Input, _ string) bool { return in.Classification.IsCritical }

func hasAny(keywords []string) func(Input, string) bool {
	return func(_ Input, text string) bool { return triage.ContainsAny(text, keywords) }
}

func isBookingRequest(in Input, text string) bool {
	return triage.ContainsAny(text, triage.BookingKeywords) && !isSlotConfirmation(in, text)
}

func isSlotConfirmation(_ Input, text string) bool {
	_, ok := confirmedSlot(text)
	return ok
}

// slotClaim captures "book <hour>[:<minute>] [am|pm]" and whatever follows.
var slotClaim = regexp.MustCompile(`\bbook\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b(.*)$`)

// confirmedSlot reports the offered slot a message claims. A bare hour only
// counts when nothing but punctuation follows it ("book 2", not "book 2 phones").
func confirmedSlot(text string) (Slot, bool) {
	m := slotClaim.FindStringSubmatch(text)
	if m == nil {
		return Slot{}, false
	}
	hour, minute, meridiem, rest := m[1], m[2], m[3], m[4]
	if minute == "" && meridiem == "" && strings.IndexFunc(rest, isWordRune) >= 0 {
		return Slot{}, false
	}
	for _, s := range openSlots {
		if s.matches(hour, minute, meridiem) {
			return s, true
		}
	}
	return Slot{}, false
}

func isWordRune(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }

func urgentReply(Input, string) Reply {
	return Reply{
		Body:    UrgentMarker + " **URGENT ISSUE DETECTED**\nWater damage or power issues require immediate attention to prevent permanent data loss.\n\n**Recommendation:** Do NOT charge your device. Bring it in immediately.",
		Actions: []string{"Book Priority Slot", "Get Directions"},
	}
}

func tradeInReply(Input, string) Reply {
	return Reply{
		Body:    "💰 **Smart Trade-In**\nI've analyzed current market rates. iPhone 13/14 models are trading high right now ($300-$600).\n\nUse our **Calculator** to lock in today's price.",
		Actions: []string{"Open Calculator", "View Price List"},
	}
}

func quoteReply(_ Input, text string) Reply {
	switch {
	case strings.Contains(text, "screen"):
		return Reply{
			Body:    "🛠️ **Screen Repair Estimates**\n- iPhone X-12: **$80 - $110**\n- iPhone 13-15: **$140 - $200**\n\n*Includes 90-day warranty & free screen protector.*",
			Actions: []string{"Book Repair", "Call for Exact Price"},
		}
	case strings.Contains(text, "battery"):
		return Reply{
			Body:    "🔋 **Battery Replacement**\nMost models are **$60 - $90**. Service takes about 20 minutes.\n\n*Does your phone drain fast or shut down randomly?*",
			Actions: []string{"Yes, it drains fast", "Book Battery Fix"},
		}
	}
	return Reply{Body: "I can definitely give you a quote. What device model do you have? (e.g., iPhone 13, Samsung S22)"}
}

func slotsReply(Input, string) Reply {
	var b strings.Builder
	b.WriteString("📅 **Schedule Repair**\nWe have the following slots open today:\n")
	actions := make([]string, 0, len(openSlots))
	for _, s := range openSlots {
		fmt.Fprintf(&b, "\n• **%s** (%s)", s.Time, s.Label)
		actions = append(actions, s.action())
	}
	return Reply{Body: b.String(), Actions: actions}
}

func confirmReply(_ Input, text string) Reply {
	s, _ := confirmedSlot(text)
	return Reply{
		Body: fmt.Sprintf("✅ **Confirmed!**\nI've held the **%s** slot for you. Please arrive 10 minutes early.\n\n*Bring your device and any passcodes needed for testing.*", s.Time),
	}
}

func menuReply(Input, string) Reply {
	return Reply{
		Body:    "I'm Mobile Expert's AI assistant. I can help with:\n\n1. **Instant Repair Quotes**\n2. **Urgent Diagnostics**\n3. **Selling Your Device**\n\nWhat are you looking for today?",
		Actions: []string{"Get a Quote", "Sell Device", "Store Info"},
	}
}

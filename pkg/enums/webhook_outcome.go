package enums

// WebhookOutcome records how a processor event was resolved.
type WebhookOutcome string

const (
	WebhookOutcomeProcessed        WebhookOutcome = "processed"
	WebhookOutcomeIgnoredUnhandled WebhookOutcome = "ignored_unhandled"
	WebhookOutcomeIgnoredForeign   WebhookOutcome = "ignored_foreign"
	WebhookOutcomeIgnoredState     WebhookOutcome = "ignored_state"
)

// String implements fmt.Stringer.
func (o WebhookOutcome) String() string {
	return string(o)
}

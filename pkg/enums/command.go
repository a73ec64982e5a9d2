package enums

// CommandType identifies a deferred billing side effect.
type CommandType string

const (
	// CommandTypeCancelAuthorization releases the card-validation hold placed
	// during metered checkout.
	CommandTypeCancelAuthorization CommandType = "cancel_authorization"
)

// String implements fmt.Stringer.
func (t CommandType) String() string {
	return string(t)
}

// CommandStatus tracks a billing command through its retry lifecycle.
type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "pending"
	CommandStatusSucceeded CommandStatus = "succeeded"
	CommandStatusAbandoned CommandStatus = "abandoned"
)

// String implements fmt.Stringer.
func (s CommandStatus) String() string {
	return string(s)
}

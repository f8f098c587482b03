package template

// MissingAction specifies how to handle missing variables.
type MissingAction int

const (
	// MissingKeep keeps the placeholder as-is when the variable is not found.
	// This is the default behavior.
	MissingKeep MissingAction = iota

	// MissingEmpty replaces the placeholder with an empty string.
	MissingEmpty

	// MissingError returns an error when a variable is not found.
	MissingError
)

// Option configures an Expander.
type Option func(*Expander)

// WithMissingAction sets how missing variables are handled.
func WithMissingAction(action MissingAction) Option {
	return func(e *Expander) {
		e.missingAction = action
	}
}

// WithBraceStyle enables or disables ${var} expansion. Default: enabled.
func WithBraceStyle(enabled bool) Option {
	return func(e *Expander) {
		e.braceStyle = enabled
	}
}

// WithMustacheStyle enables or disables {{var}} expansion. Default: enabled.
func WithMustacheStyle(enabled bool) Option {
	return func(e *Expander) {
		e.mustacheStyle = enabled
	}
}

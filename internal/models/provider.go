package models

// Provider identifies the remote mail backend for an account. Behavior that
// differs per backend (folder-name normalization, label semantics, capability
// assumptions) switches on this value instead of a free-form provider string.
type Provider string

const (
	ProviderGmail     Provider = "gmail"
	ProviderGeneric   Provider = "generic"
	ProviderMicrosoft Provider = "microsoft"
)

// SupportsLabels reports whether the provider has Gmail-style labels
// (many per message) rather than classical single-folder semantics.
func (p Provider) SupportsLabels() bool {
	return p == ProviderGmail
}

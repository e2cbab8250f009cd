package models

import "time"

// CreditBalance is the durable ledger row for a subject. The cache
// counter under cache key "user_credit:<subject>" is authoritative for
// admission decisions; this row is authoritative for audit and is
// reconciled to the counter after every debit.
type CreditBalance struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SubjectID  string    `gorm:"uniqueIndex" json:"subject_id"`
	Credits    float64   `json:"credits"`
	AutoRefill bool      `json:"auto_refill"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CreditHistory is one append-only entry per balance mutation. Entries
// are never updated in place.
type CreditHistory struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	SubjectID   string    `gorm:"index" json:"subject_id"`
	Amount      float64   `json:"amount"`
	Balance     float64   `json:"balance"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// ModelPricing describes a supported model: the public name clients
// request, the provider-side identifier the gateway invokes, and the
// per-token prices used to compute request cost.
type ModelPricing struct {
	Name                 string  `mapstructure:"name" json:"name"`
	ProviderID           string  `mapstructure:"provider_id" json:"provider_id"`
	PromptTokenPrice     float64 `mapstructure:"prompt_token_price" json:"prompt_token_price"`
	CompletionTokenPrice float64 `mapstructure:"completion_token_price" json:"completion_token_price"`
}

// PricingTable maps public model names to their pricing entries.
type PricingTable map[string]ModelPricing

// NewPricingTable builds a table from configured entries.
func NewPricingTable(entries []ModelPricing) PricingTable {
	table := make(PricingTable, len(entries))
	for _, entry := range entries {
		table[entry.Name] = entry
	}
	return table
}

// Lookup returns the pricing entry for a public model name.
func (t PricingTable) Lookup(model string) (ModelPricing, bool) {
	entry, ok := t[model]
	return entry, ok
}

// Names returns the public model names in the table.
func (t PricingTable) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	return names
}

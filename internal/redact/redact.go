// Package redact scrubs credentials from text before it is persisted:
// captured command output on failed attempts, migration logs and audit
// records.
package redact

import "sort"

// Config controls what the Redactor redacts.
type Config struct {
	Enabled        bool     `yaml:"enabled"`
	RedactIPs      string   `yaml:"redact_ips"` // "private_only" | "all" | "none"
	CustomPatterns []string `yaml:"custom_patterns"`
	Placeholder    string   `yaml:"placeholder"`
}

// DefaultConfig redacts credentials but leaves IP addresses alone.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		RedactIPs:   "none",
		Placeholder: "[REDACTED]",
	}
}

// Redactor applies a sorted set of redaction rules to strings. A nil
// Redactor returns its input unchanged.
type Redactor struct {
	rules       []rule
	placeholder string
}

// New compiles a Redactor from the given config. If cfg.Enabled is false,
// the returned Redactor is a passthrough.
func New(cfg Config) *Redactor {
	placeholder := cfg.Placeholder
	if placeholder == "" {
		placeholder = "[REDACTED]"
	}
	if !cfg.Enabled {
		return &Redactor{placeholder: placeholder}
	}

	var rules []rule
	rules = append(rules, builtinRules(placeholder)...)
	rules = append(rules, ipRules(cfg.RedactIPs, placeholder)...)
	rules = append(rules, customRules(cfg.CustomPatterns, placeholder)...)

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].priority < rules[j].priority
	})

	return &Redactor{
		rules:       rules,
		placeholder: placeholder,
	}
}

// Redact applies all compiled rules sequentially to the input string and
// returns the redacted result.
func (r *Redactor) Redact(input string) string {
	if r == nil || len(r.rules) == 0 {
		return input
	}

	result := input
	for _, rule := range r.rules {
		result = rule.pattern.ReplaceAllStringFunc(result, rule.replace)
	}
	return result
}

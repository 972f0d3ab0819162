// Package pii implements the PII Masking Context (C6): pattern-based
// detection and placeholder substitution for sensitive spans in tool and
// endpoint output, installed per-request by middleware.
package pii

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Type identifies a category of detected PII.
type Type string

const (
	TypeEmail   Type = "EMAIL"
	TypePhone   Type = "PHONE"
	TypeSSN     Type = "SSN"
	TypeCard    Type = "CARD"
	TypeAccount Type = "ACCOUNT"
	TypeAddress Type = "ADDRESS"
	TypeDOB     Type = "DOB"
	TypeIP      Type = "IP"
)

// Mode selects which PII types get masked.
type Mode string

const (
	// ModeFull masks every type — used for tool output feeding the LLM.
	ModeFull Mode = "full"
	// ModeFinancialOnly masks only SSN/card/account — contact lookups need
	// email/phone visible.
	ModeFinancialOnly Mode = "financial_only"
	// ModeNone masks nothing — action tools that consume resolved internal IDs.
	ModeNone Mode = "none"
)

// maskOrder is the fixed, ordered ruleset (most specific patterns first),
// per spec §4.6.
var maskOrder = []Type{
	TypeSSN,
	TypeCard,
	TypeAccount,
	TypeEmail,
	TypePhone,
	TypeAddress,
	TypeDOB,
	TypeIP,
}

var patterns = map[Type][]*regexp.Regexp{
	TypeSSN: {
		regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		regexp.MustCompile(`\b\d{3}-\d{3}-\d{3}\b`),
		regexp.MustCompile(`\b\d{3} \d{3} \d{3}\b`),
	},
	TypeCard: {
		regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`),
		regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12})\b`),
	},
	TypeAccount: {
		regexp.MustCompile(`(?i)(?:account|acct|routing)[#:\s]*\d{8,16}`),
		regexp.MustCompile(`(?i)bank\s*account[#:\s]*\d{6,17}`),
	},
	TypeEmail: {
		regexp.MustCompile(`[\w.\-+]+@[\w.-]+\.[a-zA-Z]{2,}`),
	},
	TypePhone: {
		regexp.MustCompile(`\+\d{1,3}[-.\s]?\(?\d{2,3}\)?[-.\s]?\d{3,4}[-.\s]?\d{4}\b`),
		regexp.MustCompile(`\(\d{3}\)\s*\d{3}[-.\s]?\d{4}`),
		regexp.MustCompile(`\b\d{3}[-.\s]\d{3}[-.\s]\d{4}\b`),
	},
	TypeAddress: {
		// Guard against the "Google Drive" false positive: Drive only counts
		// with a trailing comma (city/state/zip continuation).
		regexp.MustCompile(`(?i)\b\d{1,5}\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,3}\s+(?:Street|Avenue|Road|Boulevard|Lane|Way|Court|Circle|Place|Highway|Parkway)\b`),
		regexp.MustCompile(`(?i)\b\d{1,5}\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,3}\s+Drive\s*,`),
		regexp.MustCompile(`(?i)\b\d{1,5}\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,3}\s+(?:St|Ave|Rd|Blvd|Dr|Ln|Ct|Pl)\.\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*,\s*[A-Z]{2}\s+\d{5}(?:-\d{4})?\b`),
		regexp.MustCompile(`(?i)\b\d{1,5}\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,3}\s+(?:St|Ave|Rd|Blvd|Dr|Ln|Ct|Pl)\.`),
	},
	TypeDOB: {
		regexp.MustCompile(`(?i)(?:born|birthday|dob|date of birth)[:\s]*\d{1,2}[-/]\d{1,2}[-/]\d{2,4}`),
	},
	TypeIP: {
		regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
	},
}

// maskedTypes maps each Mode to the set of Types it masks.
var maskedTypes = map[Mode]map[Type]bool{
	ModeFull: {
		TypeEmail: true, TypePhone: true, TypeSSN: true, TypeCard: true,
		TypeAccount: true, TypeAddress: true, TypeDOB: true, TypeIP: true,
	},
	ModeFinancialOnly: {
		TypeSSN: true, TypeCard: true, TypeAccount: true,
	},
	ModeNone: {},
}

// alreadyMasked recognizes a previously-emitted placeholder, so re-masking
// already-masked text is a no-op (spec §4.6 idempotence).
var alreadyMasked = regexp.MustCompile(`^\[[A-Z]+_\d+\]$`)

// Item records one masked span, without retaining it outside the context's
// own mapping (the mapping itself is the only place the original lives).
type Item struct {
	Type        Type
	Placeholder string
	MaskedAt    time.Time
}

// Context is the per-request PII masking state: mapping, counters and mode.
// Installed by middleware at request start, discarded at request end.
type Context struct {
	mu       sync.Mutex
	mappings map[string]maskedValue
	counters map[Type]int
	total    int
	modes    map[Mode]bool
}

type maskedValue struct {
	item     Item
	original string
}

// NewContext builds an empty, per-request PII context.
func NewContext() *Context {
	return &Context{
		mappings: make(map[string]maskedValue),
		counters: make(map[Type]int),
		modes:    make(map[Mode]bool),
	}
}

// MaskAndTrack masks text under mode, recording each match in the context.
// Counters increment monotonically across the lifetime of the context, not
// per call.
func (c *Context) MaskAndTrack(text string, mode Mode) (string, []Item) {
	c.mu.Lock()
	c.modes[mode] = true
	c.mu.Unlock()

	if text == "" || mode == ModeNone {
		return text, nil
	}

	types := maskedTypes[mode]
	result := text
	var items []Item

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range maskOrder {
		if !types[t] {
			continue
		}
		for _, re := range patterns[t] {
			result = re.ReplaceAllStringFunc(result, func(match string) string {
				if alreadyMasked.MatchString(match) {
					return match
				}
				c.counters[t]++
				c.total++
				placeholder := fmt.Sprintf("[%s_%d]", t, c.counters[t])
				item := Item{Type: t, Placeholder: placeholder, MaskedAt: time.Now()}
				c.mappings[placeholder] = maskedValue{item: item, original: match}
				items = append(items, item)
				return placeholder
			})
		}
	}

	return result, items
}

// Resolve returns the original value for a placeholder, if tracked. Callers
// use this sparingly — only action tools that must emit the real value.
func (c *Context) Resolve(placeholder string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mv, ok := c.mappings[placeholder]
	if !ok {
		return "", false
	}
	return mv.original, true
}

// Stats returns per-type counts plus a "total" entry, for the audit row.
// Keys are lowercase (e.g. "email", "phone", "ssn"), matching the documented
// audit contract.
func (c *Context) Stats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := map[string]int{"total": c.total}
	for t, n := range c.counters {
		stats[strings.ToLower(string(t))] = n
	}
	return stats
}

// ModesUsed returns the distinct modes MaskAndTrack was called with, sorted,
// for the audit row's mode field. A request that mixes modes (e.g. one tool
// call under financial_only, another under full) reports all of them,
// comma-joined.
func (c *Context) ModesUsed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	modes := make([]string, 0, len(c.modes))
	for m := range c.modes {
		modes = append(modes, string(m))
	}
	sort.Strings(modes)
	return modes
}

// AuditLog returns placeholder metadata (never original values) for every
// masked item tracked so far.
func (c *Context) AuditLog() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]Item, 0, len(c.mappings))
	for _, mv := range c.mappings {
		items = append(items, mv.item)
	}
	return items
}

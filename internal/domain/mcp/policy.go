// Package mcp holds the process-wide AI-assistance policy consulted when
// calls are created and completed.
package mcp

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// ErrInvalidPolicy is returned when a replacement policy fails validation.
var ErrInvalidPolicy = errors.New("invalid mcp policy")

// Policy controls whether and how AI assistance engages on calls. Values are
// never mutated after they are published through a Holder.
type Policy struct {
	Enabled             bool     `json:"enableMCP" yaml:"enableMCP"`
	AutoVerify          bool     `json:"autoVerify" yaml:"autoVerify"`
	AutoSummarize       bool     `json:"autoSummarize" yaml:"autoSummarize"`
	AccessLevel         string   `json:"accessLevel" yaml:"accessLevel"`
	MaxSessionsToReview int      `json:"maxSessionsToReview" yaml:"maxSessionsToReview"`
	TriggerPhrases      []string `json:"triggerPhrases" yaml:"triggerPhrases"`
}

// DefaultTriggerPhrases seed the policy installed at process start.
var DefaultTriggerPhrases = []string{
	"schedule appointment",
	"payment options",
	"insurance claim",
	"book session",
	"reschedule",
}

// BasePolicy returns the field defaults applied to a replacement payload
// before it is decoded, so omitted fields fall back to them.
func BasePolicy() Policy {
	return Policy{
		Enabled:             true,
		AutoVerify:          false,
		AutoSummarize:       true,
		AccessLevel:         "restricted",
		MaxSessionsToReview: 3,
		TriggerPhrases:      []string{},
	}
}

// DefaultPolicy is the policy in force until an authorized replace.
func DefaultPolicy() Policy {
	p := BasePolicy()
	p.TriggerPhrases = append([]string(nil), DefaultTriggerPhrases...)
	return p
}

// Validate normalises trigger phrases and checks field ranges.
func (p *Policy) Validate() error {
	if p.MaxSessionsToReview < 0 {
		return fmt.Errorf("%w: maxSessionsToReview must not be negative", ErrInvalidPolicy)
	}
	p.AccessLevel = strings.TrimSpace(p.AccessLevel)
	if p.AccessLevel == "" {
		return fmt.Errorf("%w: accessLevel is required", ErrInvalidPolicy)
	}
	phrases := make([]string, 0, len(p.TriggerPhrases))
	for _, phrase := range p.TriggerPhrases {
		phrase = strings.TrimSpace(phrase)
		if phrase == "" {
			continue
		}
		phrases = append(phrases, phrase)
	}
	p.TriggerPhrases = phrases
	return nil
}

func (p Policy) clone() Policy {
	p.TriggerPhrases = append([]string{}, p.TriggerPhrases...)
	return p
}

// Holder publishes the current policy. Replace swaps a fresh value in one
// atomic store; readers see either the old or the new policy, never a mix.
type Holder struct {
	current atomic.Pointer[Policy]
}

// NewHolder returns a Holder initialised with p.
func NewHolder(p Policy) (*Holder, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	h := &Holder{}
	v := p.clone()
	h.current.Store(&v)
	return h, nil
}

// Current returns a copy of the policy in force.
func (h *Holder) Current() Policy {
	return h.current.Load().clone()
}

// Replace validates p and installs it wholesale.
func (h *Holder) Replace(p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	v := p.clone()
	h.current.Store(&v)
	return v.clone(), nil
}

// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package waiter implements a synchronous-first, predicate-based wait
// over a conversation's Output
// Spool. A wait_for call scans existing bytes immediately, and if no
// match is found, registers a predicate that is re-evaluated on every
// subsequent Append, in the same goroutine as the writer.
package waiter

import (
	"encoding/base64"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrsurge/agent-log-server-sub000/internal/spool"
)

// MatchType selects how Match is interpreted.
type MatchType string

const (
	MatchSubstring MatchType = "substring"
	MatchRegex     MatchType = "regex"
	MatchPrompt    MatchType = "prompt"
)

// ScanWindow bounds how much spool data is rescanned per append cycle.
const ScanWindow = 1024 * 1024

// promptSentinel is the literal sentinel name a "prompt" match looks for.
const promptSentinel = "__FWS_PROMPT__"

// Span gives the relative-to-absolute byte offsets of a match.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Request is the wait_for contract's input.
type Request struct {
	Match      string
	MatchType  MatchType
	FromCursor int
	TimeoutMs  int
	MaxBytes   int
}

// Result is the wait_for contract's output.
type Result struct {
	Matched     bool              `json:"matched"`
	MatchText   string            `json:"match_text,omitempty"`
	MatchCursor int               `json:"match_cursor,omitempty"`
	MatchSpan   Span              `json:"match_span,omitempty"`
	NextCursor  int               `json:"next_cursor"`
	Extra       map[string]string `json:"extra,omitempty"`
}

var (
	// ErrInvalidRegex is returned when match_type=regex and match fails to compile.
	ErrInvalidRegex = errors.New("waiter: invalid regex pattern")
)

type pending struct {
	req Request
	re  *regexp.Regexp
	ch  chan Result
}

// Registry pairs one Output Spool with the set of predicates currently
// waiting on it. One Registry exists per conversation shell.
type Registry struct {
	spool *spool.Spool

	mu      sync.Mutex
	waiters map[string]*pending
}

// New creates a registry over the given spool.
func New(s *spool.Spool) *Registry {
	return &Registry{
		spool:   s,
		waiters: make(map[string]*pending),
	}
}

// Append forwards to the underlying spool and re-evaluates every
// registered predicate against the newly-visible data. This is the only
// path by which waiters resolve after registration, keeping resolution
// in the same call stack as the writer (spec §4.C edge-case policy).
func (r *Registry) Append(b []byte) int {
	n := r.spool.Append(b)
	r.resolveReady()
	return n
}

// WaitFor scans existing spool bytes synchronously; if no match is
// found it registers the predicate and blocks (up to timeoutMs) for a
// subsequent Append to resolve it.
func (r *Registry) WaitFor(req Request) (Result, error) {
	var re *regexp.Regexp
	if req.MatchType == MatchRegex {
		compiled, err := regexp.Compile(req.Match)
		if err != nil {
			return Result{}, ErrInvalidRegex
		}
		re = compiled
	}

	scanMax := req.MaxBytes
	if scanMax <= 0 || scanMax > ScanWindow {
		scanMax = ScanWindow
	}

	if result, ok := r.scan(req, re, scanMax); ok {
		return result, nil
	}

	id := uuid.NewString()
	ch := make(chan Result, 1)

	r.mu.Lock()
	r.waiters[id] = &pending{req: req, re: re, ch: ch}
	r.mu.Unlock()

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}

	select {
	case result := <-ch:
		return result, nil
	case <-time.After(timeout):
		r.mu.Lock()
		delete(r.waiters, id)
		r.mu.Unlock()
		return Result{Matched: false, NextCursor: r.spool.Size()}, nil
	}
}

// resolveReady re-runs every registered predicate and resolves (and
// removes) any that now match.
func (r *Registry) resolveReady() {
	r.mu.Lock()
	if len(r.waiters) == 0 {
		r.mu.Unlock()
		return
	}
	snapshot := make(map[string]*pending, len(r.waiters))
	for id, p := range r.waiters {
		snapshot[id] = p
	}
	r.mu.Unlock()

	for id, p := range snapshot {
		scanMax := p.req.MaxBytes
		if scanMax <= 0 || scanMax > ScanWindow {
			scanMax = ScanWindow
		}
		result, ok := r.scan(p.req, p.re, scanMax)
		if !ok {
			continue
		}

		r.mu.Lock()
		if _, stillPending := r.waiters[id]; stillPending {
			delete(r.waiters, id)
			r.mu.Unlock()
			select {
			case p.ch <- result:
			default:
			}
		} else {
			r.mu.Unlock()
		}
	}
}

// scan performs one synchronous match attempt over
// [fromCursor, min(size, fromCursor+maxBytes)).
func (r *Registry) scan(req Request, re *regexp.Regexp, maxBytes int) (Result, bool) {
	data := r.spool.ReadUnbounded(req.FromCursor, maxBytes)
	if len(data) == 0 {
		return Result{}, false
	}

	switch req.MatchType {
	case MatchRegex:
		loc := re.FindIndex(data)
		if loc == nil {
			return Result{}, false
		}
		return r.buildResult(req, data, loc[0], loc[1]), true

	case MatchPrompt:
		idx := strings.Index(string(data), promptSentinel)
		if idx < 0 {
			return Result{}, false
		}
		lineEnd := idx
		for lineEnd < len(data) && data[lineEnd] != '\n' {
			lineEnd++
		}
		result := r.buildResult(req, data, idx, lineEnd)
		result.Extra = parsePromptExtra(string(data[idx:lineEnd]))
		return result, true

	default: // substring
		idx := strings.Index(string(data), req.Match)
		if idx < 0 {
			return Result{}, false
		}
		return r.buildResult(req, data, idx, idx+len(req.Match)), true
	}
}

func (r *Registry) buildResult(req Request, data []byte, relStart, relEnd int) Result {
	absStart := req.FromCursor + relStart
	absEnd := req.FromCursor + relEnd
	return Result{
		Matched:     true,
		MatchText:   string(data[relStart:relEnd]),
		MatchCursor: absStart,
		MatchSpan:   Span{Start: absStart, End: absEnd},
		NextCursor:  absEnd,
	}
}

// parsePromptExtra tokenizes a "__FWS_PROMPT__ ts=... cwd_b64=...
// exit=..." line per spec §6's parsing rule: split on whitespace, split
// each token on '=', base64-decode any *_b64 token.
func parsePromptExtra(line string) map[string]string {
	extra := make(map[string]string)
	fields := strings.Fields(line)
	for _, f := range fields {
		if f == promptSentinel {
			continue
		}
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]
		if strings.HasSuffix(key, "_b64") {
			decoded, err := base64.StdEncoding.DecodeString(val)
			if err == nil {
				extra[strings.TrimSuffix(key, "_b64")] = string(decoded)
			}
			continue
		}
		extra[key] = val
	}
	if exit, ok := extra["exit"]; ok {
		if _, err := strconv.Atoi(exit); err != nil {
			delete(extra, "exit")
		}
	}
	return extra
}

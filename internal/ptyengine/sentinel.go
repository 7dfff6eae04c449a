// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package ptyengine

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// beginMarker is the parsed form of a __FWS_BLOCK_BEGIN__ line.
type beginMarker struct {
	seq uint64
	ts  int64
	cwd string
	cmd string
}

// endMarker is the parsed form of a __FWS_BLOCK_END__ line.
type endMarker struct {
	seq  uint64
	ts   int64
	exit *int
}

// promptMarker is the parsed form of a __FWS_PROMPT__ line.
type promptMarker struct {
	ts   int64
	cwd  string
	exit *int
}

// tokenizeSentinel splits a sentinel line's fields ("k=v" tokens after
// the sentinel name) per spec §6: "tokenize by whitespace after the
// sentinel name, split each token on '=', decode *_b64 via base64."
func tokenizeSentinel(line, name string) map[string]string {
	rest := strings.TrimSpace(strings.TrimPrefix(line, name))
	out := make(map[string]string)
	for _, tok := range strings.Fields(rest) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]
		if strings.HasSuffix(key, "_b64") {
			decoded, err := base64.StdEncoding.DecodeString(val)
			if err != nil {
				continue
			}
			out[strings.TrimSuffix(key, "_b64")] = string(decoded)
			continue
		}
		out[key] = val
	}
	return out
}

func parseBegin(line string) (beginMarker, bool) {
	if !strings.HasPrefix(line, SentinelBegin) {
		return beginMarker{}, false
	}
	f := tokenizeSentinel(line, SentinelBegin)
	seq, err1 := strconv.ParseUint(f["seq"], 10, 64)
	ts, err2 := strconv.ParseInt(f["ts"], 10, 64)
	if err1 != nil || err2 != nil {
		return beginMarker{}, false
	}
	return beginMarker{seq: seq, ts: ts, cwd: f["cwd"], cmd: f["cmd"]}, true
}

func parseEnd(line string) (endMarker, bool) {
	if !strings.HasPrefix(line, SentinelEnd) {
		return endMarker{}, false
	}
	f := tokenizeSentinel(line, SentinelEnd)
	seq, err1 := strconv.ParseUint(f["seq"], 10, 64)
	ts, err2 := strconv.ParseInt(f["ts"], 10, 64)
	if err1 != nil || err2 != nil {
		return endMarker{}, false
	}
	m := endMarker{seq: seq, ts: ts}
	if ec, err := strconv.Atoi(f["exit"]); err == nil {
		m.exit = &ec
	}
	return m, true
}

func parsePrompt(line string) (promptMarker, bool) {
	if !strings.HasPrefix(line, SentinelPrompt) {
		return promptMarker{}, false
	}
	f := tokenizeSentinel(line, SentinelPrompt)
	ts, err := strconv.ParseInt(f["ts"], 10, 64)
	if err != nil {
		return promptMarker{}, false
	}
	m := promptMarker{ts: ts, cwd: f["cwd"]}
	if ec, err := strconv.Atoi(f["exit"]); err == nil {
		m.exit = &ec
	}
	return m, true
}

func isReadyLine(line string) bool {
	return strings.HasPrefix(line, sentinelReady)
}
